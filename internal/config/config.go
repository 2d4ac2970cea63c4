package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию сервера генерации видео-пакетов.
type Config struct {
	// Настройки HTTP сервера
	Env         string `envconfig:"ENV" default:"production"`
	ServerPort  string `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`
	// Список разрешенных origin'ов через запятую
	CORSAllowedOrigins string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`

	// Настройки AI (OpenRouter или Ollama)
	AIClientType string        `envconfig:"AI_CLIENT_TYPE" default:"openai"`
	AIBaseURL    string        `envconfig:"AI_BASE_URL" default:"https://openrouter.ai/api/v1"`
	AIModel      string        `envconfig:"AI_MODEL" default:"deepseek/deepseek-chat"`
	AITimeout    time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	// Модель с доступом к веб-поиску для режима "свежие новости"
	AISearchModel string `envconfig:"AI_SEARCH_MODEL" default:"perplexity/sonar"`
	// Секретное поле БЕЗ envconfig тега
	AIAPIKey string

	// Настройки сервера генерации изображений
	ImageAPIBaseURL   string        `envconfig:"IMAGE_API_BASE_URL" default:"http://localhost:8000"`
	ImageAPITimeout   time.Duration `envconfig:"IMAGE_API_TIMEOUT" default:"90s"`
	ImageRatio        string        `envconfig:"IMAGE_RATIO" default:"9:16"`
	PromptStyleSuffix string        `envconfig:"PROMPT_STYLE_SUFFIX" default:""`

	// Настройки сервиса синтеза речи
	TTSBaseURL     string        `envconfig:"TTS_BASE_URL" default:"http://localhost:7860"`
	TTSTimeout     time.Duration `envconfig:"TTS_TIMEOUT" default:"60s"`
	TTSVoiceFilter string        `envconfig:"TTS_VOICE_FILTER" default:"-IN"`
	TTSRate        float64       `envconfig:"TTS_RATE" default:"1.0"`
	TTSPitch       float64       `envconfig:"TTS_PITCH" default:"1.0"`
	// Пауза между сценами при воспроизведении
	ScenePause time.Duration `envconfig:"SCENE_PAUSE" default:"300ms"`

	// Настройки сессий
	SessionTTL             time.Duration `envconfig:"SESSION_TTL" default:"2h"`
	SessionCleanupInterval time.Duration `envconfig:"SESSION_CLEANUP_INTERVAL" default:"10m"`

	// Лимит размера загружаемого изображения бренда (байты)
	BrandImageMaxBytes int64 `envconfig:"BRAND_IMAGE_MAX_BYTES" default:"5242880"`

	// Rate limit для генерационных эндпоинтов (запросов в минуту на IP)
	GenerateRateLimit uint `envconfig:"GENERATE_RATE_LIMIT" default:"20"`
}

// GetAllowedOrigins возвращает список разрешенных CORS origin'ов.
func (c *Config) GetAllowedOrigins() []string {
	if c.CORSAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}

	// API ключ: файл секрета имеет приоритет над переменной окружения
	key, err := readSecret("ai_api_key")
	if err != nil {
		key = os.Getenv("AI_API_KEY")
	}
	cfg.AIAPIKey = key
	if cfg.AIAPIKey == "" && strings.EqualFold(cfg.AIClientType, "openai") {
		return nil, fmt.Errorf("AI API key is not set (secret 'ai_api_key' or env AI_API_KEY)")
	}

	// Логируем загруженную конфигурацию (кроме ключей)
	log.Printf("Конфигурация загружена:")
	log.Printf("  Env: %s, Port: %s, LogLevel: %s", cfg.Env, cfg.ServerPort, cfg.LogLevel)
	log.Printf("  AI Client Type: %s", cfg.AIClientType)
	log.Printf("  AI Base URL: %s", cfg.AIBaseURL)
	log.Printf("  AI Model: %s, Search Model: %s", cfg.AIModel, cfg.AISearchModel)
	log.Printf("  AI Timeout: %v", cfg.AITimeout)
	log.Printf("  Image API: %s (timeout %v, ratio %s)", cfg.ImageAPIBaseURL, cfg.ImageAPITimeout, cfg.ImageRatio)
	log.Printf("  TTS: %s (timeout %v, voice filter %q)", cfg.TTSBaseURL, cfg.TTSTimeout, cfg.TTSVoiceFilter)
	log.Printf("  Session TTL: %v", cfg.SessionTTL)

	return &cfg, nil
}

// readSecret читает Docker secret из /run/secrets/<name>.
func readSecret(secretName string) (string, error) {
	filePath := fmt.Sprintf("/run/secrets/%s", secretName)
	secretBytes, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file %s: %w", filePath, err)
	}
	secret := strings.TrimSpace(string(secretBytes))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", filePath)
	}
	return secret, nil
}
