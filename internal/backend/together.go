package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

const togetherGenerateAPI = "/v1/images/generations"

// TogetherAdapter implements Generator for the Together AI images API.
type TogetherAdapter struct {
	client       *resty.Client
	model        string
	maxDimension int
}

// togetherRequest is the JSON body of an image generation call.
type togetherRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format"`
}

// togetherResponse represents the JSON structure returned by the images API.
// Example: {"data": [{"b64_json": "iVBORw0..."}]}
type togetherResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type togetherError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewTogetherAdapter creates a Together AI backend adapter.
func NewTogetherAdapter(cfg Config) (*TogetherAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("together backend requires an API key")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("together backend requires a base URL")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)

	return &TogetherAdapter{
		client:       client,
		model:        cfg.Model,
		maxDimension: cfg.MaxDimension,
	}, nil
}

// Name returns "together".
func (a *TogetherAdapter) Name() string { return "together" }

// Generate requests one image and returns it as PNG.
func (a *TogetherAdapter) Generate(ctx context.Context, req Request) (Image, error) {
	body := togetherRequest{
		Model:          a.model,
		Prompt:         req.Prompt,
		Width:          clamp(req.Width, a.maxDimension),
		Height:         clamp(req.Height, a.maxDimension),
		Steps:          req.Steps,
		N:              1,
		ResponseFormat: "b64_json",
	}

	log.WithFields(log.Fields{
		"model":  body.Model,
		"width":  body.Width,
		"height": body.Height,
		"steps":  body.Steps,
	}).Debug("calling together images API")

	var result togetherResponse
	var apiErr togetherError
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post(togetherGenerateAPI)
	if err != nil {
		return Image{}, fmt.Errorf("failed to call together API: %w", err)
	}

	if resp.IsError() {
		if apiErr.Error.Message != "" {
			return Image{}, fmt.Errorf("together API returned status %d: %s", resp.StatusCode(), apiErr.Error.Message)
		}
		return Image{}, fmt.Errorf("together API returned status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(result.Data) == 0 || result.Data[0].B64JSON == "" {
		return Image{}, errors.New("together API returned no image data")
	}

	raw, err := base64.StdEncoding.DecodeString(result.Data[0].B64JSON)
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image data: %w", err)
	}

	return toPNG(raw)
}
