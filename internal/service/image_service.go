package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"climate-video-server/internal/config"
)

// ErrImageGenerationFailed - ошибка при генерации изображения сервером.
var ErrImageGenerationFailed = errors.New("image generation failed")

var (
	imageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_image_requests_total",
			Help: "Total number of requests to the image generation API.",
		},
		[]string{"status"},
	)
	imageRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "creator_image_request_duration_seconds",
			Help:    "Histogram of image API request durations.",
			Buckets: prometheus.DefBuckets,
		},
	)
	imageFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "creator_image_fallbacks_total",
			Help: "Total number of times the built-in fallback image was substituted.",
		},
	)
)

// ImageService генерирует изображения по текстовому промпту.
type ImageService interface {
	// Generate запрашивает ровно одно изображение в портретном формате
	// и возвращает его как data URL. Никогда не возвращает ошибку:
	// при любом сбое подставляется встроенное fallback-изображение,
	// сбой логируется и учитывается в метриках.
	Generate(ctx context.Context, prompt string) string
}

// imageServiceImpl - реализация ImageService поверх HTTP API генерации.
type imageServiceImpl struct {
	logger            *zap.Logger
	baseURL           string
	ratio             string
	promptStyleSuffix string
	client            *http.Client
}

// NewImageService создает новый экземпляр imageServiceImpl.
func NewImageService(cfg *config.Config, logger *zap.Logger) ImageService {
	return &imageServiceImpl{
		logger:            logger,
		baseURL:           cfg.ImageAPIBaseURL,
		ratio:             cfg.ImageRatio,
		promptStyleSuffix: cfg.PromptStyleSuffix,
		client: &http.Client{
			Timeout: cfg.ImageAPITimeout,
		},
	}
}

// imageAPIRequest - структура запроса к API генерации изображений.
type imageAPIRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
	Count  int    `json:"count"`
}

// Generate - реализует основную логику с fallback.
func (s *imageServiceImpl) Generate(ctx context.Context, prompt string) string {
	fullPrompt := prompt + s.promptStyleSuffix

	startTime := time.Now()
	imageData, err := s.callImageAPI(ctx, fullPrompt)
	duration := time.Since(startTime)

	if err != nil {
		// Единственный автоматический fallback в системе: пайплайн ошибки не видит.
		s.logger.Error("Image API call failed, substituting fallback image",
			zap.String("prompt", truncate(prompt, 120)),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		imageRequestsTotal.With(prometheus.Labels{"status": "fallback"}).Inc()
		imageFallbacksTotal.Inc()
		return FallbackImageDataURL
	}

	imageRequestsTotal.With(prometheus.Labels{"status": "success"}).Inc()
	imageRequestDuration.Observe(duration.Seconds())
	s.logger.Info("Image generated",
		zap.Int("size_bytes", len(imageData)),
		zap.Duration("duration", duration),
	)

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageData)
}

// callImageAPI - вызывает API генерации изображений и возвращает сырые байты JPEG.
func (s *imageServiceImpl) callImageAPI(ctx context.Context, prompt string) ([]byte, error) {
	reqPayload := imageAPIRequest{
		Prompt: prompt,
		Ratio:  s.ratio,
		Count:  1,
	}
	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	endpointURL := s.baseURL + "/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: API returned status %d: %s", ErrImageGenerationFailed, resp.StatusCode, truncate(string(bodyBytes), 200))
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response body: %w", readErr)
	}
	if len(bodyBytes) == 0 {
		return nil, fmt.Errorf("%w: API returned empty data", ErrImageGenerationFailed)
	}

	return bodyBytes, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
