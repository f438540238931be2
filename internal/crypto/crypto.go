// Package crypto decrypts a Feed's stored password ciphertext (§5: "Credentials
// are stored encrypted; decryption happens once per run inside the worker").
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"

	"github.com/pkg/errors"
)

// Decryptor implements fetcher.CredentialResolver with AES-256-GCM, the
// nonce prefixed to the ciphertext.
type Decryptor struct {
	gcm cipher.AEAD
}

// NewDecryptor builds a Decryptor from a base64-encoded 32-byte key.
func NewDecryptor(keyBase64 string) (*Decryptor, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base64 encryption key")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create GCM")
	}

	return &Decryptor{gcm: gcm}, nil
}

// Decrypt expects ciphertext shaped as nonce||sealed, matching how feed
// passwords are written at credential-entry time (out of scope here; §1).
func (d *Decryptor) Decrypt(ciphertext []byte) (string, error) {
	nonceSize := d.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := d.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.Wrap(err, "decrypt credential")
	}

	return string(plaintext), nil
}
