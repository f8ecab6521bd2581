package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileOutput writes generated images into a directory.
type FileOutput struct {
	Dir string

	// Now is the clock used for file names; tests replace it.
	Now func() time.Time
}

// NewFileOutput creates the output directory if needed.
func NewFileOutput(dir string) (*FileOutput, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	return &FileOutput{Dir: dir, Now: time.Now}, nil
}

// Save writes img as <dir>/<YYYYMMDDHHMMSS>_<8 hex chars>.png and returns the path.
func (o *FileOutput) Save(ctx context.Context, img Image) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s.png", o.Now().Format("20060102150405"), uuid.NewString()[:8])
	path := filepath.Join(o.Dir, name)

	if err := os.WriteFile(path, img.Data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image %s: %w", path, err)
	}
	return path, nil
}
