package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"climate-video-server/internal/config"

	// Prometheus imports
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Константы цен (OpenRouter, усредненные)
const (
	pricePerMillionInputTokensUSD  = 0.1
	pricePerMillionOutputTokensUSD = 0.4
)

// ErrAIGenerationFailed - ошибка при генерации текста AI
var ErrAIGenerationFailed = errors.New("ai generation failed")

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_ai_requests_total",
			Help: "Total number of requests to the AI API.",
		},
		[]string{"model", "status", "kind"}, // Labels: model used, success/error, request kind
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creator_ai_request_duration_seconds",
			Help:    "Histogram of AI API request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "kind"},
	)
	aiPromptTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creator_ai_prompt_tokens",
			Help:    "Histogram of prompt token counts.",
			Buckets: prometheus.LinearBuckets(250, 250, 20), // 250, 500, ..., 5000
		},
		[]string{"model", "kind"},
	)
	aiCompletionTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creator_ai_completion_tokens",
			Help:    "Histogram of completion token counts.",
			Buckets: prometheus.LinearBuckets(100, 100, 20), // 100, 200, ..., 2000
		},
		[]string{"model", "kind"},
	)
	aiEstimatedCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creator_ai_estimated_cost_usd_total",
			Help: "Estimated total cost of AI requests in USD.",
		},
		[]string{"model", "kind"},
	)
)

// GenerationParams - параметры генерации. Указатели, чтобы отличить 0/0.0 от отсутствия.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	// Model переопределяет модель по умолчанию (используется для поисковой модели)
	Model string
}

// UsageInfo содержит информацию об использовании токенов и стоимости
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCostUSD float64
}

// ImagePart - опциональное изображение-референс, прикладываемое к запросу.
type ImagePart struct {
	MimeType string
	Data     []byte
}

// AIClient интерфейс для взаимодействия с AI API
type AIClient interface {
	// GenerateText генерирует свободный текст на основе системного промта и ввода пользователя.
	GenerateText(ctx context.Context, kind string, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error)
	// GenerateStructured генерирует JSON, соответствующий переданной схеме.
	// images прикладываются к пользовательскому сообщению как визуальный референс.
	GenerateStructured(ctx context.Context, kind string, systemPrompt, userInput string, images []ImagePart, schemaName string, schema map[string]interface{}, params GenerationParams) (string, UsageInfo, error)
}

// calculateCost рассчитывает оценочную стоимость запроса на основе токенов.
func calculateCost(promptTokens, completionTokens int) float64 {
	inputCost := float64(promptTokens) * pricePerMillionInputTokensUSD / 1_000_000.0
	outputCost := float64(completionTokens) * pricePerMillionOutputTokensUSD / 1_000_000.0
	return inputCost + outputCost
}

// --- OpenAI Client Implementation ---

// openAIClient реализует AIClient с использованием go-openai
type openAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func (c *openAIClient) resolveModel(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return c.model
}

// GenerateText генерирует текст на основе системного промта и ввода пользователя
func (c *openAIClient) GenerateText(ctx context.Context, kind string, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	usageInfo := UsageInfo{}
	mdl := c.resolveModel(params)

	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: системный промт пуст", ErrAIGenerationFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: userInput,
		})
	}

	startTime := time.Now()
	c.logger.Debug("Отправка запроса к AI",
		zap.String("model", mdl),
		zap.String("kind", kind),
		zap.Int("system_prompt_bytes", len(systemPrompt)),
		zap.Int("user_input_bytes", len(userInput)),
	)

	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:       mdl,
		Messages:    messages,
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
		TopP:        float32Val(params.TopP),
	})

	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("Ошибка от AI API", zap.Duration("duration", duration), zap.String("kind", kind), zap.Error(err))
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Error("AI API вернул пустой ответ", zap.Duration("duration", duration), zap.String("kind", kind))
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error_empty_response", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: получен пустой ответ", ErrAIGenerationFailed)
	}

	aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "success", "kind": kind}).Inc()
	aiRequestDuration.With(prometheus.Labels{"model": mdl, "kind": kind}).Observe(duration.Seconds())

	generatedText := resp.Choices[0].Message.Content
	c.logger.Info("Ответ от AI API получен",
		zap.Duration("duration", duration),
		zap.String("kind", kind),
		zap.Int("response_chars", len(generatedText)),
	)

	usageInfo = c.observeUsage(mdl, kind, resp.Usage, systemPrompt, userInput, generatedText)
	return generatedText, usageInfo, nil
}

// GenerateStructured генерирует JSON через response_format.json_schema.
func (c *openAIClient) GenerateStructured(ctx context.Context, kind string, systemPrompt, userInput string, images []ImagePart, schemaName string, schema map[string]interface{}, params GenerationParams) (string, UsageInfo, error) {
	usageInfo := UsageInfo{}
	mdl := c.resolveModel(params)

	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: системный промт пуст", ErrAIGenerationFailed)
	}

	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return "", usageInfo, fmt.Errorf("%w: ошибка сериализации схемы: %v", ErrAIGenerationFailed, err)
	}

	userMessage := openaigo.ChatCompletionMessage{Role: openaigo.ChatMessageRoleUser}
	if len(images) == 0 {
		userMessage.Content = userInput
	} else {
		// Мультимодальное сообщение: текст + изображения-референсы
		parts := []openaigo.ChatMessagePart{
			{Type: openaigo.ChatMessagePartTypeText, Text: userInput},
		}
		for _, img := range images {
			parts = append(parts, openaigo.ChatMessagePart{
				Type: openaigo.ChatMessagePartTypeImageURL,
				ImageURL: &openaigo.ChatMessageImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", img.MimeType, base64.StdEncoding.EncodeToString(img.Data)),
				},
			})
		}
		userMessage.MultiContent = parts
	}

	startTime := time.Now()
	c.logger.Debug("Отправка structured запроса к AI",
		zap.String("model", mdl),
		zap.String("kind", kind),
		zap.String("schema", schemaName),
		zap.Int("images", len(images)),
	)

	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model: mdl,
		Messages: []openaigo.ChatCompletionMessage{
			{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
			userMessage,
		},
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
		TopP:        float32Val(params.TopP),
		ResponseFormat: &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openaigo.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName,
				Schema: json.RawMessage(schemaBytes),
				Strict: true,
			},
		},
	})

	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("Ошибка structured запроса к AI API", zap.Duration("duration", duration), zap.String("kind", kind), zap.Error(err))
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error_empty_response", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: получен пустой ответ", ErrAIGenerationFailed)
	}

	aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "success", "kind": kind}).Inc()
	aiRequestDuration.With(prometheus.Labels{"model": mdl, "kind": kind}).Observe(duration.Seconds())

	generatedText := resp.Choices[0].Message.Content
	usageInfo = c.observeUsage(mdl, kind, resp.Usage, systemPrompt, userInput, generatedText)
	return generatedText, usageInfo, nil
}

// observeUsage заполняет UsageInfo и обновляет метрики токенов.
// Если API не вернул usage, токены оцениваются через tiktoken.
func (c *openAIClient) observeUsage(mdl, kind string, usage openaigo.Usage, systemPrompt, userInput, response string) UsageInfo {
	usageInfo := UsageInfo{}
	if usage.TotalTokens > 0 {
		usageInfo.PromptTokens = usage.PromptTokens
		usageInfo.CompletionTokens = usage.CompletionTokens
		usageInfo.TotalTokens = usage.TotalTokens
	} else {
		// Примерный подсчет (менее точный, чем Usage от API)
		tke, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			c.logger.Warn("Could not get tokenizer to estimate tokens", zap.Error(err))
			return usageInfo
		}
		usageInfo.PromptTokens = len(tke.Encode(systemPrompt, nil, nil)) + len(tke.Encode(userInput, nil, nil))
		usageInfo.CompletionTokens = len(tke.Encode(response, nil, nil))
		usageInfo.TotalTokens = usageInfo.PromptTokens + usageInfo.CompletionTokens
	}

	usageInfo.EstimatedCostUSD = calculateCost(usageInfo.PromptTokens, usageInfo.CompletionTokens)

	aiPromptTokens.With(prometheus.Labels{"model": mdl, "kind": kind}).Observe(float64(usageInfo.PromptTokens))
	aiCompletionTokens.With(prometheus.Labels{"model": mdl, "kind": kind}).Observe(float64(usageInfo.CompletionTokens))
	if usageInfo.EstimatedCostUSD > 0 {
		aiEstimatedCostUSD.With(prometheus.Labels{"model": mdl, "kind": kind}).Add(usageInfo.EstimatedCostUSD)
	}
	return usageInfo
}

// --- Вспомогательные функции конвертации указателей ---

func float32Val(f64 *float64) float32 {
	if f64 == nil {
		return 1.0
	}
	return float32(*f64)
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// --- Ollama Client Implementation ---

// ollamaClient реализует AIClient с использованием ollama/api
type ollamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// newOllamaClient создает новый клиент для взаимодействия с Ollama
func newOllamaClient(cfg *config.Config, logger *zap.Logger) (AIClient, error) {
	httpClient := &http.Client{
		Timeout: cfg.AITimeout,
	}

	// api.NewClient требует URL без суффикса /v1
	ollamaBaseURL := strings.TrimSuffix(cfg.AIBaseURL, "/v1")
	ollamaBaseURL = strings.TrimSuffix(ollamaBaseURL, "/")

	parsedURL, err := url.Parse(ollamaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL '%s': %w", ollamaBaseURL, err)
	}

	client := api.NewClient(parsedURL, httpClient)
	logger.Info("Ollama клиент создан",
		zap.String("base_url", ollamaBaseURL),
		zap.String("model", cfg.AIModel),
		zap.Duration("timeout", cfg.AITimeout),
	)

	return &ollamaClient{
		client:  client,
		model:   cfg.AIModel,
		timeout: cfg.AITimeout,
		logger:  logger,
	}, nil
}

func (c *ollamaClient) resolveModel(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return c.model
}

// GenerateText генерирует текст с использованием Ollama
func (c *ollamaClient) GenerateText(ctx context.Context, kind string, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	return c.chat(ctx, kind, systemPrompt, userInput, nil, nil, params)
}

// GenerateStructured генерирует JSON с использованием нативного поля format Ollama.
func (c *ollamaClient) GenerateStructured(ctx context.Context, kind string, systemPrompt, userInput string, images []ImagePart, schemaName string, schema map[string]interface{}, params GenerationParams) (string, UsageInfo, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return "", UsageInfo{}, fmt.Errorf("%w: ошибка сериализации схемы: %v", ErrAIGenerationFailed, err)
	}
	return c.chat(ctx, kind, systemPrompt, userInput, images, schemaBytes, params)
}

func (c *ollamaClient) chat(ctx context.Context, kind string, systemPrompt, userInput string, images []ImagePart, format json.RawMessage, params GenerationParams) (string, UsageInfo, error) {
	usageInfo := UsageInfo{EstimatedCostUSD: 0} // Ollama локальный, стоимость 0
	mdl := c.resolveModel(params)

	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: системный промт пуст", ErrAIGenerationFailed)
	}

	messages := []api.Message{
		{Role: "system", Content: systemPrompt},
	}
	userMessage := api.Message{Role: "user", Content: userInput}
	for _, img := range images {
		userMessage.Images = append(userMessage.Images, api.ImageData(img.Data))
	}
	messages = append(messages, userMessage)

	options := map[string]interface{}{}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}

	req := &api.ChatRequest{
		Model:    mdl,
		Messages: messages,
		Stream:   func(b bool) *bool { return &b }(false),
		Format:   format,
		Options:  options,
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	c.logger.Debug("Отправка запроса к Ollama",
		zap.String("model", mdl),
		zap.String("kind", kind),
		zap.Int("system_prompt_bytes", len(systemPrompt)),
	)

	var resp api.ChatResponse
	err := c.client.Chat(requestCtx, req, func(r api.ChatResponse) error {
		resp = r // Сохраняем последний (полный) ответ
		return nil
	})

	duration := time.Since(startTime)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.logger.Error("Таймаут запроса к Ollama", zap.Duration("timeout", c.timeout), zap.String("kind", kind), zap.Error(err))
		} else {
			c.logger.Error("Ошибка от Ollama API", zap.Duration("duration", duration), zap.String("kind", kind), zap.Error(err))
		}
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}

	if resp.Message.Content == "" {
		c.logger.Error("Ollama API вернул пустой ответ", zap.Duration("duration", duration), zap.String("kind", kind))
		aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "error_empty_response", "kind": kind}).Inc()
		return "", usageInfo, fmt.Errorf("%w: получен пустой ответ", ErrAIGenerationFailed)
	}

	aiRequestsTotal.With(prometheus.Labels{"model": mdl, "status": "success", "kind": kind}).Inc()
	aiRequestDuration.With(prometheus.Labels{"model": mdl, "kind": kind}).Observe(duration.Seconds())

	usageInfo.PromptTokens = resp.PromptEvalCount
	usageInfo.CompletionTokens = resp.EvalCount
	usageInfo.TotalTokens = resp.PromptEvalCount + resp.EvalCount
	if usageInfo.TotalTokens > 0 {
		aiPromptTokens.With(prometheus.Labels{"model": mdl, "kind": kind}).Observe(float64(usageInfo.PromptTokens))
		aiCompletionTokens.With(prometheus.Labels{"model": mdl, "kind": kind}).Observe(float64(usageInfo.CompletionTokens))
	}

	return resp.Message.Content, usageInfo, nil
}

// --- Factory Function ---

// NewAIClient создает новый клиент для взаимодействия с AI в зависимости от конфигурации
func NewAIClient(cfg *config.Config, logger *zap.Logger) (AIClient, error) {
	switch strings.ToLower(cfg.AIClientType) {
	case "openai":
		openaiConfig := openaigo.DefaultConfig(cfg.AIAPIKey)
		openaiConfig.BaseURL = cfg.AIBaseURL
		openaiConfig.HTTPClient = &http.Client{
			Timeout: cfg.AITimeout,
		}
		client := openaigo.NewClientWithConfig(openaiConfig)
		logger.Info("OpenAI клиент создан",
			zap.String("base_url", cfg.AIBaseURL),
			zap.String("model", cfg.AIModel),
			zap.Duration("timeout", cfg.AITimeout),
		)
		return &openAIClient{
			client: client,
			model:  cfg.AIModel,
			logger: logger,
		}, nil
	case "ollama":
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный тип AI клиента: '%s'", cfg.AIClientType)
	}
}
