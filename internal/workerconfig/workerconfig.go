// Package workerconfig loads the processor's static tunables from a TOML
// file at boot, the way the teacher loads DynamicFeedConfig.
package workerconfig

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/ironscout/feedingest/internal/processor"
)

// File mirrors processor.Config, plus the file format's own field names.
type File struct {
	ChunkSize      int `toml:"chunkSize"`
	HeartbeatHours int `toml:"heartbeatHours"`
}

// Load reads and parses path into a processor.Config. A missing path is not
// an error: the caller gets a zero Config, and processor.New fills in
// defaults.
func Load(path string) (processor.Config, error) {
	if path == "" {
		return processor.Config{}, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return processor.Config{}, nil
		}
		return processor.Config{}, errors.Wrap(err, "failed to read worker config file")
	}

	var f File
	if err := toml.Unmarshal(body, &f); err != nil {
		return processor.Config{}, errors.Wrap(err, "failed to unmarshal worker config TOML")
	}

	return processor.Config{
		ChunkSize:      f.ChunkSize,
		HeartbeatHours: f.HeartbeatHours,
	}, nil
}
