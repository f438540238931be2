// Package fetcher downloads a feed's remote file over SFTP or plain FTP,
// applying change detection, size caps, and optional gzip decompression
// (spec §4.3).
package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	log "github.com/xlab/suplog"
	"golang.org/x/crypto/ssh"

	"github.com/InjectiveLabs/metrics"

	"github.com/ironscout/feedingest/feed"
)

const (
	connectTimeout  = 30 * time.Second
	maxDialAttempts = 3
)

// Memo is the previously memoized fetch state for a feed, used for change
// detection (§4.3).
type Memo struct {
	Mtime       *time.Time
	Size        int64
	ContentHash string
}

// Result is the outcome of one download attempt.
type Result struct {
	Content     []byte
	Mtime       *time.Time
	Size        int64
	ContentHash string
	Skipped     bool
	SkippedReason feed.SkippedReason
}

// CredentialResolver decrypts a feed's stored password ciphertext. It is
// supplied by the caller so the fetcher never depends on key-management
// internals directly.
type CredentialResolver interface {
	Decrypt(ciphertext []byte) (string, error)
}

// AllowPlainFTP is a policy switch: when false, plain FTP feeds fail with a
// config error before connecting (§4.3 "Policy switch").
type AllowPlainFTP func() bool

// Fetcher downloads a Feed's remote file and performs change detection.
type Fetcher struct {
	creds         CredentialResolver
	allowPlainFTP AllowPlainFTP
	svcTags       metrics.Tags
}

func New(creds CredentialResolver, allowPlainFTP AllowPlainFTP) *Fetcher {
	return &Fetcher{
		creds:         creds,
		allowPlainFTP: allowPlainFTP,
		svcTags:       metrics.Tags{"svc": "fetcher"},
	}
}

// Download fetches f's remote file, applying maxFileSizeBytes caps and the
// change-detection rules of §4.3. File-not-found is returned as a
// successful skipped result, never as an error.
func (ft *Fetcher) Download(ctx context.Context, f *feed.Feed, memo Memo) (*Result, error) {
	metrics.ReportFuncCall(ft.svcTags)
	doneFn := metrics.ReportFuncTiming(ft.svcTags)
	defer doneFn()

	logger := log.WithFields(log.Fields{
		"svc":       "fetcher",
		"feed_id":   f.ID,
		"transport": f.Transport,
	})

	if f.Transport == feed.TransportPlainFTP && (ft.allowPlainFTP == nil || !ft.allowPlainFTP()) {
		metrics.ReportFuncError(ft.svcTags)
		return nil, errors.New("plain FTP is disabled by policy")
	}

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}

	var result *Result
	var err error
	for attempt := 1; attempt <= maxDialAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)

		switch f.Transport {
		case feed.TransportSFTP:
			result, err = ft.downloadSFTP(attemptCtx, f, memo, logger)
		case feed.TransportPlainFTP:
			result, err = ft.downloadPlainFTP(attemptCtx, f, memo, logger)
		default:
			cancel()
			metrics.ReportFuncError(ft.svcTags)
			return nil, errors.Errorf("unsupported transport: %s", f.Transport)
		}
		cancel()

		if err == nil || !isDialError(err) || attempt == maxDialAttempts {
			break
		}

		wait := b.Duration()
		logger.WithField("attempt", attempt).WithError(err).Warningln("transient dial failure, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		metrics.ReportFuncError(ft.svcTags)
		return nil, err
	}
	return result, nil
}

// isDialError reports whether err is the kind of transient connection
// failure worth retrying, as opposed to an auth/config/protocol error
// that a retry cannot fix.
func isDialError(err error) bool {
	return strings.Contains(err.Error(), "ECONNREFUSED")
}

func (ft *Fetcher) downloadSFTP(ctx context.Context, f *feed.Feed, memo Memo, logger log.Logger) (*Result, error) {
	password, err := ft.resolvePassword(f)
	if err != nil {
		return nil, errors.Wrap(err, "authentication failed: could not decrypt credentials")
	}

	config := &ssh.ClientConfig{
		User:            f.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", f.Host, portOrDefault(f.Port, 22))

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "ECONNREFUSED: sftp dial failed")
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if isAuthError(err) {
			return nil, errors.Wrap(err, "authentication failed")
		}
		return nil, errors.Wrap(err, "ssh handshake failed")
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, errors.Wrap(err, "sftp session failed")
	}
	defer sftpClient.Close()

	info, err := sftpClient.Stat(f.Path)
	if err != nil {
		if isNotExist(err) {
			logger.Warningln("remote file not found, treating as transient skip")
			return &Result{Skipped: true, SkippedReason: feed.SkippedFileNotFound}, nil
		}
		return nil, errors.Wrap(err, "sftp stat failed")
	}

	mtime := info.ModTime()
	size := info.Size()

	if f.MaxFileSizeBytes > 0 && size > f.MaxFileSizeBytes {
		return nil, errors.Errorf("remote file size %d exceeds max %d", size, f.MaxFileSizeBytes)
	}

	if memo.Mtime != nil && memo.Mtime.Equal(mtime) && memo.Size == size {
		return &Result{Skipped: true, SkippedReason: feed.SkippedUnchangedMtime, Mtime: &mtime, Size: size}, nil
	}

	rc, err := sftpClient.Open(f.Path)
	if err != nil {
		return nil, errors.Wrap(err, "sftp open failed")
	}
	defer rc.Close()

	content, contentHash, err := readCapped(rc, f.MaxFileSizeBytes, f.Compression)
	if err != nil {
		return nil, err
	}

	if memo.ContentHash != "" && memo.ContentHash == contentHash {
		return &Result{Skipped: true, SkippedReason: feed.SkippedUnchangedHash, Mtime: &mtime, Size: size, ContentHash: contentHash}, nil
	}

	return &Result{Content: content, Mtime: &mtime, Size: size, ContentHash: contentHash}, nil
}

func (ft *Fetcher) downloadPlainFTP(ctx context.Context, f *feed.Feed, memo Memo, logger log.Logger) (*Result, error) {
	password, err := ft.resolvePassword(f)
	if err != nil {
		return nil, errors.Wrap(err, "authentication failed: could not decrypt credentials")
	}

	addr := fmt.Sprintf("%s:%d", f.Host, portOrDefault(f.Port, 21))

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(connectTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "ECONNREFUSED: ftp dial failed")
	}
	defer conn.Quit()

	if err := conn.Login(f.Username, password); err != nil {
		return nil, errors.Wrap(err, "authentication failed")
	}

	size, err := conn.FileSize(f.Path)
	if err != nil {
		if isFTPNotExist(err) {
			logger.Warningln("remote file not found, treating as transient skip")
			return &Result{Skipped: true, SkippedReason: feed.SkippedFileNotFound}, nil
		}
		return nil, errors.Wrap(err, "ftp SIZE failed")
	}

	if f.MaxFileSizeBytes > 0 && size > f.MaxFileSizeBytes {
		return nil, errors.Errorf("remote file size %d exceeds max %d", size, f.MaxFileSizeBytes)
	}

	resp, err := conn.Retr(f.Path)
	if err != nil {
		if isFTPNotExist(err) {
			return &Result{Skipped: true, SkippedReason: feed.SkippedFileNotFound}, nil
		}
		return nil, errors.Wrap(err, "ftp RETR failed")
	}
	defer resp.Close()

	content, contentHash, err := readCapped(resp, f.MaxFileSizeBytes, f.Compression)
	if err != nil {
		return nil, err
	}

	// Plain FTP has no reliable mtime: always compare by content hash.
	if memo.ContentHash != "" && memo.ContentHash == contentHash {
		return &Result{Skipped: true, SkippedReason: feed.SkippedUnchangedHash, Size: size, ContentHash: contentHash}, nil
	}

	return &Result{Content: content, Size: size, ContentHash: contentHash}, nil
}

func (ft *Fetcher) resolvePassword(f *feed.Feed) (string, error) {
	if ft.creds == nil {
		return "", errors.New("missing encryption key: no credential resolver configured")
	}
	return ft.creds.Decrypt(f.PasswordCiphertext)
}

// readCapped streams r, enforcing maxBytes mid-stream, optionally
// decompressing gzip, and returns the decompressed content plus its
// SHA-256 hex digest (§4.3 "compute SHA-256 of decompressed bytes").
func readCapped(r io.Reader, maxBytes int64, compression feed.Compression) ([]byte, string, error) {
	limited := r
	if maxBytes > 0 {
		limited = io.LimitReader(r, maxBytes+1)
	}

	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", errors.Wrap(err, "stream read failed")
	}
	if maxBytes > 0 && int64(len(raw)) > maxBytes {
		return nil, "", errors.Errorf("downloaded stream exceeds max size %d bytes", maxBytes)
	}

	content := raw
	if compression == feed.CompressionGzip {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, "", errors.Wrap(err, "invalid gzip stream")
		}
		defer gz.Close()
		content, err = io.ReadAll(gz)
		if err != nil {
			return nil, "", errors.Wrap(err, "invalid gzip stream")
		}
	}

	sum := sha256.Sum256(content)
	return content, hex.EncodeToString(sum[:]), nil
}

func portOrDefault(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}
