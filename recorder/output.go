package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ContentType is the MIME type of every result.
const ContentType = "audio/mp3"

// Consumer receives a finished recording.
type Consumer interface {
	Consume(ctx context.Context, data []byte, contentType string) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, data []byte, contentType string) error

func (f ConsumerFunc) Consume(ctx context.Context, data []byte, contentType string) error {
	return f(ctx, data, contentType)
}

// FileConsumer writes the recording to Path, replacing it atomically.
type FileConsumer struct {
	Path string
}

func (f FileConsumer) Consume(ctx context.Context, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".micrec-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", f.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
