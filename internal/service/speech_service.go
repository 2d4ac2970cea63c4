package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"climate-video-server/internal/config"
	"climate-video-server/internal/model"
)

// ErrSpeechSynthesisFailed - ошибка синтеза речи.
var ErrSpeechSynthesisFailed = errors.New("speech synthesis failed")

// Synthesizer - инжектируемая возможность синтеза речи.
// Открывается при старте сервиса, закрывается при остановке.
// Синтез эксклюзивен: запуск новой реплики отменяет предыдущую.
type Synthesizer interface {
	// Voices возвращает доступные голоса, отфильтрованные по региону.
	Voices(ctx context.Context) ([]model.Voice, error)
	// DefaultVoice возвращает голос по умолчанию из списка доступных
	// (пустая строка, если голосов нет).
	DefaultVoice(ctx context.Context) string
	// Speak синтезирует одну реплику и блокируется до завершения
	// воспроизведения либо отмены контекста. Если запрошенный голос
	// недоступен, используется голос по умолчанию.
	Speak(ctx context.Context, text, voiceName string) error
	// Close освобождает ресурсы синтезатора.
	Close() error
}

// httpSynthesizer - клиент HTTP сервиса синтеза речи.
type httpSynthesizer struct {
	logger      *zap.Logger
	baseURL     string
	voiceFilter string
	rate        float64
	pitch       float64
	client      *http.Client

	mu          sync.Mutex
	cancelPrior context.CancelFunc

	// Кэш списка голосов: сервис отдает статический список,
	// но кэшируется только успешный ответ
	voicesMu sync.Mutex
	voices   []model.Voice
}

// NewSynthesizer создает клиент HTTP сервиса синтеза речи.
func NewSynthesizer(cfg *config.Config, logger *zap.Logger) Synthesizer {
	return &httpSynthesizer{
		logger:      logger,
		baseURL:     cfg.TTSBaseURL,
		voiceFilter: cfg.TTSVoiceFilter,
		rate:        cfg.TTSRate,
		pitch:       cfg.TTSPitch,
		client: &http.Client{
			Timeout: cfg.TTSTimeout,
		},
	}
}

// ttsVoiceDTO - элемент ответа GET /voices.
type ttsVoiceDTO struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}

// ttsRequest - структура запроса синтеза.
type ttsRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

// Voices возвращает список голосов, отфильтрованный по языковому региону.
// Неудачная загрузка не кэшируется: следующий вызов повторит запрос.
func (s *httpSynthesizer) Voices(ctx context.Context) ([]model.Voice, error) {
	s.voicesMu.Lock()
	defer s.voicesMu.Unlock()
	if s.voices != nil {
		return s.voices, nil
	}

	voices, err := s.fetchVoices(ctx)
	if err != nil {
		return nil, err
	}
	s.voices = voices
	return voices, nil
}

func (s *httpSynthesizer) fetchVoices(ctx context.Context) ([]model.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpeechSynthesisFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: voices endpoint returned status %d", ErrSpeechSynthesisFailed, resp.StatusCode)
	}

	var dtos []ttsVoiceDTO
	if err := json.NewDecoder(resp.Body).Decode(&dtos); err != nil {
		return nil, fmt.Errorf("%w: failed to decode voices: %v", ErrSpeechSynthesisFailed, err)
	}

	// Фильтруем по региону (например "-IN" для индийских голосов)
	voices := make([]model.Voice, 0, len(dtos))
	for _, v := range dtos {
		if s.voiceFilter == "" || strings.Contains(v.Lang, s.voiceFilter) {
			voices = append(voices, model.Voice{Name: v.Name, Lang: v.Lang})
		}
	}
	s.logger.Info("Voices loaded from TTS service",
		zap.Int("total", len(dtos)),
		zap.Int("filtered", len(voices)),
		zap.String("filter", s.voiceFilter),
	)
	return voices, nil
}

// DefaultVoice выбирает голос по умолчанию: английский голос региона,
// иначе первый доступный.
func (s *httpSynthesizer) DefaultVoice(ctx context.Context) string {
	voices, err := s.Voices(ctx)
	if err != nil || len(voices) == 0 {
		return ""
	}
	for _, v := range voices {
		if strings.HasPrefix(v.Lang, "en") {
			return v.Name
		}
	}
	return voices[0].Name
}

// Speak синтезирует одну реплику. Предыдущая реплика отменяется.
func (s *httpSynthesizer) Speak(ctx context.Context, text, voiceName string) error {
	// Эксклюзивность: не более одной активной реплики
	speakCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancelPrior != nil {
		s.cancelPrior()
	}
	s.cancelPrior = cancel
	s.mu.Unlock()
	defer cancel()

	voice := s.resolveVoice(ctx, voiceName)

	reqPayload := ttsRequest{
		Text:  text,
		Voice: voice,
		Rate:  s.rate,
		Pitch: s.pitch,
	}
	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(speakCtx, http.MethodPost, s.baseURL+"/speak", bytes.NewReader(reqBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if speakCtx.Err() != nil {
			// Отмена - штатное завершение (пауза или новая реплика)
			return speakCtx.Err()
		}
		return fmt.Errorf("%w: %v", ErrSpeechSynthesisFailed, err)
	}
	defer resp.Body.Close()

	// Сервис держит соединение открытым до конца воспроизведения,
	// тело дочитываем ради keep-alive
	if _, err := io.Copy(io.Discard, resp.Body); err != nil && speakCtx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrSpeechSynthesisFailed, err)
	}
	if speakCtx.Err() != nil {
		return speakCtx.Err()
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: speak endpoint returned status %d", ErrSpeechSynthesisFailed, resp.StatusCode)
	}

	s.logger.Debug("Utterance completed",
		zap.String("voice", voice),
		zap.Int("text_chars", len(text)),
		zap.Duration("duration", time.Since(startTime)),
	)
	return nil
}

// resolveVoice возвращает запрошенный голос, если он доступен, иначе голос по умолчанию.
func (s *httpSynthesizer) resolveVoice(ctx context.Context, voiceName string) string {
	voices, err := s.Voices(ctx)
	if err != nil {
		return voiceName
	}
	for _, v := range voices {
		if v.Name == voiceName {
			return voiceName
		}
	}
	return s.DefaultVoice(ctx)
}

// Close отменяет активную реплику и закрывает неиспользуемые соединения.
func (s *httpSynthesizer) Close() error {
	s.mu.Lock()
	if s.cancelPrior != nil {
		s.cancelPrior()
		s.cancelPrior = nil
	}
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}
