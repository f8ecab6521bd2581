package backend

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

// testPNG returns a small valid PNG.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test png: %v", err)
	}
	return buf.Bytes()
}

// TestFactory_CreatesAdapters verifies the factory returns the adapter for each type
func TestFactory_CreatesAdapters(t *testing.T) {
	pm := NewProcessManager()

	tests := []struct {
		name     string
		cfg      Config
		wantName string
	}{
		{"together", Config{Type: "together", BaseURL: "http://localhost", APIKey: "k"}, "together"},
		{"command", Config{Type: "command", Command: "true"}, "command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, err := New(tt.cfg, pm)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if gen.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", gen.Name(), tt.wantName)
			}
		})
	}
}

// TestFactory_Errors verifies unknown types and missing settings are rejected
func TestFactory_Errors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantMsg string
	}{
		{"unknown type", Config{Type: "dalle"}, "unknown backend type"},
		{"together without key", Config{Type: "together", BaseURL: "http://localhost"}, "API key"},
		{"command without command", Config{Type: "command"}, "requires a command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, nil)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestToPNG_ConvertsJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}

	img, err := toPNG(buf.Bytes())
	if err != nil {
		t.Fatalf("toPNG failed: %v", err)
	}
	if _, format, err := image.Decode(bytes.NewReader(img.Data)); err != nil || format != "png" {
		t.Errorf("output format = %q, err = %v; want png", format, err)
	}

	if _, err := toPNG([]byte("not an image")); err == nil {
		t.Error("Expected error for garbage input")
	}
}

func TestCommandAdapter_OutputPlaceholder(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.png")
	if err := os.WriteFile(src, testPNG(t), 0644); err != nil {
		t.Fatalf("failed to write source image: %v", err)
	}
	argsFile := filepath.Join(t.TempDir(), "args.txt")

	pm := NewProcessManager()
	gen, err := NewCommandAdapter(Config{
		Command:      "bash",
		Args:         []string{"-c", `echo "$1 $2 $3 $4" > ` + argsFile + `; cp ` + src + ` "$5"`, "gen", "{prompt}", "{width}", "{height}", "{steps}", "{output}"},
		MaxDimension: 1440,
	}, pm)
	if err != nil {
		t.Fatalf("NewCommandAdapter failed: %v", err)
	}

	img, err := gen.Generate(context.Background(), Request{Prompt: "a cat", Width: 2000, Height: 512, Steps: 4})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if img.ContentType != "image/png" || len(img.Data) == 0 {
		t.Errorf("unexpected image: %s, %d bytes", img.ContentType, len(img.Data))
	}

	args, _ := os.ReadFile(argsFile)
	if got := strings.TrimSpace(string(args)); got != "a cat 1440 512 4" {
		t.Errorf("generator saw args %q, want clamped width", got)
	}
	if pm.Count() != 0 {
		t.Errorf("process still tracked after Generate: %d", pm.Count())
	}
}

func TestCommandAdapter_Stdout(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src.png")
	if err := os.WriteFile(src, testPNG(t), 0644); err != nil {
		t.Fatalf("failed to write source image: %v", err)
	}

	gen, err := NewCommandAdapter(Config{Command: "cat", Args: []string{src}}, nil)
	if err != nil {
		t.Fatalf("NewCommandAdapter failed: %v", err)
	}

	if _, err := gen.Generate(context.Background(), Request{Prompt: "x", Width: 4, Height: 4, Steps: 1}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
}

func TestCommandAdapter_Failure(t *testing.T) {
	gen, err := NewCommandAdapter(Config{Command: "bash", Args: []string{"-c", "echo model not loaded >&2; exit 3"}}, nil)
	if err != nil {
		t.Fatalf("NewCommandAdapter failed: %v", err)
	}

	_, err = gen.Generate(context.Background(), Request{Prompt: "x", Width: 4, Height: 4, Steps: 1})
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("Expected failure carrying stderr, got: %v", err)
	}
}

// stubGenerator fails while fail is set.
type stubGenerator struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (s *stubGenerator) Name() string { return "stub" }

func (s *stubGenerator) Generate(ctx context.Context, req Request) (Image, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return Image{}, errors.New("backend unavailable")
	}
	return Image{Data: []byte("png"), ContentType: "image/png"}, nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubGenerator{}
	stub.fail.Store(true)
	b := NewBreaker(stub, BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Generate(ctx, Request{}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	if b.State() != "open" {
		t.Fatalf("State() = %q, want open", b.State())
	}

	// Open: fails fast without calling the backend
	_, err := b.Generate(ctx, Request{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got: %v", err)
	}
	if got := stub.calls.Load(); got != 3 {
		t.Errorf("backend called %d times, want 3", got)
	}

	// After the timeout a successful probe closes the circuit
	stub.fail.Store(false)
	time.Sleep(80 * time.Millisecond)
	img, err := b.Generate(ctx, Request{})
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if string(img.Data) != "png" {
		t.Errorf("unexpected image data %q", img.Data)
	}
	if b.State() != "closed" {
		t.Errorf("State() = %q, want closed", b.State())
	}
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	b := NewBreaker(cancelGenerator{}, BreakerConfig{ConsecutiveFailures: 1})

	for i := 0; i < 3; i++ {
		if _, err := b.Generate(context.Background(), Request{}); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got: %v", err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("State() = %q, want closed", b.State())
	}
}

type cancelGenerator struct{}

func (cancelGenerator) Name() string { return "cancel" }

func (cancelGenerator) Generate(ctx context.Context, req Request) (Image, error) {
	return Image{}, context.Canceled
}

func TestFileOutput_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "static", "images", "generated")
	out, err := NewFileOutput(dir)
	if err != nil {
		t.Fatalf("NewFileOutput failed: %v", err)
	}
	out.Now = func() time.Time { return time.Date(2026, 3, 10, 14, 5, 9, 0, time.UTC) }

	data := testPNG(t)
	path, err := out.Save(context.Background(), Image{Data: data, ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if filepath.Dir(path) != dir {
		t.Errorf("saved to %s, want directory %s", path, dir)
	}
	if !regexp.MustCompile(`^20260310140509_[0-9a-f]{8}\.png$`).MatchString(filepath.Base(path)) {
		t.Errorf("unexpected file name %q", filepath.Base(path))
	}

	written, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(written, data) {
		t.Errorf("file contents differ (err=%v)", err)
	}
}
