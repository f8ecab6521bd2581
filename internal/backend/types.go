package backend

import "time"

// Request is one text-to-image generation request.
type Request struct {
	Prompt string
	Width  int
	Height int
	Steps  int
}

// Image is a generated image, always PNG-encoded.
type Image struct {
	Data        []byte
	ContentType string
}

// Config defines the configuration for a backend.
type Config struct {
	Type         string // "together" or "command"
	BaseURL      string
	APIKey       string
	Model        string
	MaxDimension int // Width and height are clamped to this; 0 disables clamping
	Timeout      time.Duration
	Command      string   // For "command": generator binary
	Args         []string // For "command": supports {prompt} {width} {height} {steps} {output}
	WorkDir      string
}

// clamp limits a requested dimension to [1, max].
func clamp(v, max int) int {
	if v < 1 {
		return 1
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
