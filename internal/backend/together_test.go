package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTogetherAdapter_Generate(t *testing.T) {
	pngData := testPNG(t)

	var got togetherRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(pngData)}},
		})
	}))
	defer srv.Close()

	gen, err := NewTogetherAdapter(Config{
		BaseURL:      srv.URL,
		APIKey:       "secret",
		Model:        "black-forest-labs/FLUX.1-schnell-Free",
		MaxDimension: 1440,
	})
	require.NoError(t, err)

	img, err := gen.Generate(context.Background(), Request{Prompt: "a red fox", Width: 4096, Height: 768, Steps: 4})
	require.NoError(t, err)

	assert.Equal(t, pngData, img.Data)
	assert.Equal(t, "image/png", img.ContentType)

	assert.Equal(t, "black-forest-labs/FLUX.1-schnell-Free", got.Model)
	assert.Equal(t, "a red fox", got.Prompt)
	assert.Equal(t, 1440, got.Width, "width is clamped")
	assert.Equal(t, 768, got.Height)
	assert.Equal(t, 4, got.Steps)
	assert.Equal(t, 1, got.N)
	assert.Equal(t, "b64_json", got.ResponseFormat)
}

func TestTogetherAdapter_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"api error", http.StatusBadRequest, `{"error":{"message":"prompt rejected"}}`, "prompt rejected"},
		{"server error", http.StatusBadGateway, `upstream down`, "status 502"},
		{"empty data", http.StatusOK, `{"data":[]}`, "no image data"},
		{"bad base64", http.StatusOK, `{"data":[{"b64_json":"!!!"}]}`, "decode image data"},
		{"not an image", http.StatusOK, `{"data":[{"b64_json":"aGVsbG8="}]}`, "decode image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if strings.HasPrefix(tt.body, "{") {
					w.Header().Set("Content-Type", "application/json")
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			gen, err := NewTogetherAdapter(Config{BaseURL: srv.URL, APIKey: "k"})
			require.NoError(t, err)

			_, err = gen.Generate(context.Background(), Request{Prompt: "x", Width: 64, Height: 64, Steps: 1})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestTogetherAdapter_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	gen, err := NewTogetherAdapter(Config{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = gen.Generate(ctx, Request{Prompt: "x", Width: 64, Height: 64, Steps: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
