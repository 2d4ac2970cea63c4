package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"climate-video-server/internal/config"
)

func newImageTestService(baseURL, suffix string) ImageService {
	cfg := &config.Config{
		ImageAPIBaseURL:   baseURL,
		ImageAPITimeout:   2 * time.Second,
		ImageRatio:        "9:16",
		PromptStyleSuffix: suffix,
	}
	return NewImageService(cfg, zap.NewNop())
}

func TestImageService_Generate(t *testing.T) {
	jpegBytes := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02}

	var gotReq imageAPIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegBytes)
	}))
	defer srv.Close()

	svc := newImageTestService(srv.URL, ", cinematic lighting")
	url := svc.Generate(context.Background(), "a wind turbine")

	assert.Equal(t, "data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString(jpegBytes), url)
	assert.Equal(t, "a wind turbine, cinematic lighting", gotReq.Prompt)
	assert.Equal(t, "9:16", gotReq.Ratio)
	assert.Equal(t, 1, gotReq.Count)
}

func TestImageService_FallbackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := newImageTestService(srv.URL, "")
	url := svc.Generate(context.Background(), "a wind turbine")
	assert.Equal(t, FallbackImageDataURL, url)
}

func TestImageService_FallbackOnUnreachableHost(t *testing.T) {
	// Закрытый сервер гарантирует отказ соединения
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	svc := newImageTestService(srv.URL, "")
	url := svc.Generate(context.Background(), "a wind turbine")
	assert.Equal(t, FallbackImageDataURL, url)
}
