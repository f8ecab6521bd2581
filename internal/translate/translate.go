// Package translate turns prompts into the generator's language.
package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

const googleTranslateAPI = "/translate_a/single"

// Translator translates text into a fixed target language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Config configures the Google translator.
type Config struct {
	BaseURL string
	Target  string // ISO 639-1 code, default "en"
	Timeout time.Duration
}

// Noop returns text unchanged.
type Noop struct{}

// Translate returns text unchanged.
func (Noop) Translate(ctx context.Context, text string) (string, error) { return text, nil }

// Google translates through the public translate_a/single endpoint with source
// language auto-detection.
type Google struct {
	client *resty.Client
	target string
}

// NewGoogle creates a Google translator.
func NewGoogle(cfg Config) *Google {
	target := cfg.Target
	if target == "" {
		target = "en"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Google{
		client: resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(timeout),
		target: target,
	}
}

// Translate returns text in the target language. Blank text is returned as is.
func (g *Google) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"client": "gtx",
			"sl":     "auto",
			"tl":     g.target,
			"dt":     "t",
			"q":      text,
		}).
		Get(googleTranslateAPI)
	if err != nil {
		return "", fmt.Errorf("failed to call translate API: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("translate API returned status %d", resp.StatusCode())
	}

	translated, err := parseGoogleResponse(resp.Body())
	if err != nil {
		return "", err
	}

	log.WithFields(log.Fields{"target": g.target, "chars": len(text)}).Debug("prompt translated")
	return translated, nil
}

// parseGoogleResponse joins the translated segments of a translate_a/single reply.
// Example: [[["A red fox","Un renard roux",null,null,10]],null,"fr"]
func parseGoogleResponse(body []byte) (string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("failed to parse translate response: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("empty translate response")
	}

	var segments [][]json.RawMessage
	if err := json.Unmarshal(raw[0], &segments); err != nil {
		return "", fmt.Errorf("failed to parse translate segments: %w", err)
	}

	var sb strings.Builder
	for _, seg := range segments {
		if len(seg) == 0 {
			continue
		}
		var part string
		if err := json.Unmarshal(seg[0], &part); err != nil {
			continue // Non-text segment
		}
		sb.WriteString(part)
	}

	if sb.Len() == 0 {
		return "", errors.New("translate response contained no text")
	}
	return sb.String(), nil
}
