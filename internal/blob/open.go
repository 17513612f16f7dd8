package blob

import (
	"context"
	"fmt"
)

// Config selects and parameterises a Store.
type Config struct {
	Driver Driver   `json:"driver" yaml:"driver"`
	Root   string   `json:"root" yaml:"root"`
	S3     S3Config `json:"s3" yaml:"s3"`
}

// Open returns the Store named by cfg.Driver (default fs).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
