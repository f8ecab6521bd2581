package backend

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
)

// Generator defines the interface that all backend adapters must implement.
type Generator interface {
	// Generate produces one image for the request.
	Generate(ctx context.Context, req Request) (Image, error)

	// Name identifies the backend in logs and metrics.
	Name() string
}

// New creates a new backend based on the provided configuration.
// This factory function switches on cfg.Type and returns the appropriate adapter.
func New(cfg Config, pm *ProcessManager) (Generator, error) {
	switch cfg.Type {
	case "together":
		return NewTogetherAdapter(cfg)
	case "command":
		return NewCommandAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// toPNG decodes PNG or JPEG data and re-encodes it as PNG.
func toPNG(data []byte) (Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image: %w", err)
	}
	if format == "png" {
		return Image{Data: data, ContentType: "image/png"}, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, fmt.Errorf("failed to encode png: %w", err)
	}
	return Image{Data: buf.Bytes(), ContentType: "image/png"}, nil
}
