package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"climate-video-server/internal/config"
	"climate-video-server/internal/model"
)

// creativePackageSchemaName - имя схемы для response_format.json_schema.
const creativePackageSchemaName = "creative_package"

// CreativeService генерирует сценарные пакеты и подсказки для полей ввода.
type CreativeService interface {
	// GenerateCreativePackage генерирует полный сценарный пакет по персоне и истории.
	// Ошибка схемы или сервиса возвращается вызывающему без повторов.
	GenerateCreativePackage(ctx context.Context, persona, storyboard string, brand model.BrandPromotion) (*model.CreativePackage, error)
	// GeneratePersonaFromForm генерирует описание персоны по полям формы.
	GeneratePersonaFromForm(ctx context.Context, form model.PersonaFormData) (string, error)
	// GenerateRandomPersona генерирует случайную персону без входных данных.
	GenerateRandomPersona(ctx context.Context) (string, error)
	// GenerateStoryFromForm генерирует идею истории по полям формы (с веб-поиском).
	GenerateStoryFromForm(ctx context.Context, form model.StoryFormData) (string, error)
	// GenerateStoryFromLatestNews генерирует идею истории по свежим климатическим новостям.
	GenerateStoryFromLatestNews(ctx context.Context) (string, error)
}

type creativeServiceImpl struct {
	aiClient    AIClient
	searchModel string
	logger      *zap.Logger
}

// NewCreativeService создает новый экземпляр CreativeService.
func NewCreativeService(aiClient AIClient, cfg *config.Config, logger *zap.Logger) CreativeService {
	return &creativeServiceImpl{
		aiClient:    aiClient,
		searchModel: cfg.AISearchModel,
		logger:      logger,
	}
}

// creativePackageSchema возвращает JSON схему сценарного пакета
// в виде map[string]interface{} для response_format.json_schema.
func creativePackageSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"description":          "Schema for a complete short-form climate video content package.",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"title": map[string]interface{}{
				"type":        "string",
				"description": "A catchy, climate-focused title for the video, under 70 characters.",
			},
			"thumbnail_prompt": map[string]interface{}{
				"type":        "string",
				"description": "A detailed, visually striking prompt for an AI image generator to create a click-worthy thumbnail related to the climate theme. Describe colors, composition, and mood.",
			},
			"scenes": map[string]interface{}{
				"type":        "array",
				"description": "The sequence of scenes for the video.",
				"items": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": false,
					"properties": map[string]interface{}{
						"visual": map[string]interface{}{
							"type":        "string",
							"description": "A detailed visual description for a scene about the climate topic, to be used as a prompt for an AI image generator.",
						},
						"dialogue": map[string]interface{}{
							"type":        "string",
							"description": "The spoken words for this scene. Should be a single, concise, and impactful sentence about the climate topic.",
						},
					},
					"required": []string{"visual", "dialogue"},
				},
			},
		},
		"required": []string{"title", "thumbnail_prompt", "scenes"},
	}
}

const scriptSystemPrompt = `You are an expert in science communication and an environmental storyteller. Your task is to create a complete content package for a short-form video about a climate-related topic. The content should be engaging, informative, and accessible. The output must be a clean JSON object that adheres to the provided schema.`

var dataURLRe = regexp.MustCompile(`^data:(image/[a-z+.-]+);base64,(.+)$`)

// GenerateCreativePackage генерирует сценарный пакет и валидирует его против схемы.
func (s *creativeServiceImpl) GenerateCreativePackage(ctx context.Context, persona, storyboard string, brand model.BrandPromotion) (*model.CreativePackage, error) {
	var sb strings.Builder
	sb.WriteString("Audience Persona:\n")
	sb.WriteString(persona)
	sb.WriteString("\n\nClimate Story / Message:\n")
	sb.WriteString(storyboard)

	var images []ImagePart
	if brand.Enabled && brand.Info != "" {
		sb.WriteString("\n\nCRITICAL INSTRUCTION: You must naturally and effectively integrate a promotion for the following brand/product into the generated content. This should be woven into the narrative, not a jarring advertisement. The thumbnail and scene visuals should also reflect this product placement.")
		sb.WriteString("\n\nBrand/Product Information:\n")
		sb.WriteString(brand.Info)
		if brand.ImageDataURL != "" {
			if img, ok := decodeDataURL(brand.ImageDataURL); ok {
				sb.WriteString("\nAn image of the brand/product has been provided for your visual reference.")
				images = append(images, img)
			} else {
				s.logger.Warn("Brand image data URL is malformed, ignoring it")
			}
		}
	}
	sb.WriteString("\n\nGenerate a compelling, climate-focused content package now.")

	raw, _, err := s.aiClient.GenerateStructured(ctx, "script", scriptSystemPrompt, sb.String(), images, creativePackageSchemaName, creativePackageSchema(), GenerationParams{})
	if err != nil {
		return nil, err
	}

	pkg, err := parseCreativePackage(raw)
	if err != nil {
		s.logger.Error("AI вернул неконформный сценарный пакет", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}
	return pkg, nil
}

// parseCreativePackage декодирует и проверяет ответ AI на соответствие схеме.
func parseCreativePackage(raw string) (*model.CreativePackage, error) {
	var pkg model.CreativePackage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &pkg); err != nil {
		return nil, fmt.Errorf("невалидный JSON в ответе: %v", err)
	}
	if strings.TrimSpace(pkg.Title) == "" {
		return nil, fmt.Errorf("пустое поле title")
	}
	if strings.TrimSpace(pkg.ThumbnailPrompt) == "" {
		return nil, fmt.Errorf("пустое поле thumbnail_prompt")
	}
	if len(pkg.Scenes) == 0 {
		return nil, fmt.Errorf("пустой список scenes")
	}
	for i, sc := range pkg.Scenes {
		if strings.TrimSpace(sc.Visual) == "" || strings.TrimSpace(sc.Dialogue) == "" {
			return nil, fmt.Errorf("сцена %d неполная", i+1)
		}
	}
	return &pkg, nil
}

// decodeDataURL разбирает data URL изображения на mime-тип и сырые байты.
func decodeDataURL(dataURL string) (ImagePart, bool) {
	m := dataURLRe.FindStringSubmatch(dataURL)
	if m == nil {
		return ImagePart{}, false
	}
	data, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil {
		return ImagePart{}, false
	}
	return ImagePart{MimeType: m[1], Data: data}, true
}

const personaFormSystemPrompt = `You are an expert in market research and creative strategy. Based on the user attributes provided, create a detailed and vibrant audience persona in a single paragraph. This persona should be framed within the context of their relationship to environmental and climate topics, making it suitable for creating targeted climate communication videos. Include their likely awareness of climate issues, what might motivate them to engage with environmental content, their potential skepticism or concerns, and their digital content preferences.`

// GeneratePersonaFromForm генерирует персону по полям формы.
func (s *creativeServiceImpl) GeneratePersonaFromForm(ctx context.Context, form model.PersonaFormData) (string, error) {
	userInput := fmt.Sprintf(`Attributes:
- Age Range: %s
- Gender: %s
- Location Type: %s
- Key Interests: %s
- Profession Field: %s`,
		orNotSpecified(form.Age),
		orNotSpecified(form.Gender),
		orNotSpecified(form.Location),
		orNotSpecified(form.Interests),
		orNotSpecified(form.Profession),
	)

	text, _, err := s.aiClient.GenerateText(ctx, "persona_form", personaFormSystemPrompt, userInput, GenerationParams{})
	return text, err
}

const randomPersonaSystemPrompt = `You are an expert in market research and creative strategy. Your task is to generate a single, detailed, and vibrant audience persona in a single paragraph. This persona should be completely random, but grounded in realistic human archetypes, and framed within the context of their potential relationship to environmental and climate topics, making it suitable for creating targeted climate communication videos.`

// GenerateRandomPersona генерирует полностью случайную персону.
func (s *creativeServiceImpl) GenerateRandomPersona(ctx context.Context) (string, error) {
	userInput := "Generate a random persona description now. Include details about their lifestyle, values, motivations, and how they might engage with climate content. Do not ask for any input. Just create one."
	text, _, err := s.aiClient.GenerateText(ctx, "persona_random", randomPersonaSystemPrompt, userInput, GenerationParams{})
	return text, err
}

const storySystemPrompt = `You are an expert climate communicator. Your goal is to generate a short, impactful video script idea based on the latest information. The script idea should be timely and relevant to the provided inputs. Provide a concise concept for a 60-second video, including a brief description of the narrative or key messages.`

// GenerateStoryFromForm генерирует идею истории по полям формы.
// Запрос уходит на поисковую модель, чтобы результат опирался на актуальные данные.
func (s *creativeServiceImpl) GenerateStoryFromForm(ctx context.Context, form model.StoryFormData) (string, error) {
	topic := form.Topic
	if topic == "" {
		topic = "General Climate Change"
	}
	location := form.Location
	if location == "" {
		location = "Global"
	}
	tone := form.Tone
	if tone == "" {
		tone = "Informative"
	}

	userInput := fmt.Sprintf(`Inputs:
- Topic: %s
- Location Focus: %s
- Tone: %s

Using these inputs, generate a compelling "Climate Story / Message".`, topic, location, tone)

	text, _, err := s.aiClient.GenerateText(ctx, "story_form", storySystemPrompt, userInput, GenerationParams{Model: s.searchModel})
	return text, err
}

const latestNewsSystemPrompt = `You are an expert climate communicator. Your goal is to generate a short, impactful video script idea (a "Climate Story / Message") based on the most significant and trending global climate change news from the past few days. Use your search capability to find this recent news.`

// GenerateStoryFromLatestNews генерирует идею истории по свежим новостям.
func (s *creativeServiceImpl) GenerateStoryFromLatestNews(ctx context.Context) (string, error) {
	userInput := `Provide a concise concept for a 60-second video, including a brief description of the narrative or key messages. The output should be a single block of text, ready to be used as a storyboard input.`
	text, _, err := s.aiClient.GenerateText(ctx, "story_news", latestNewsSystemPrompt, userInput, GenerationParams{Model: s.searchModel})
	return text, err
}

func orNotSpecified(v string) string {
	if strings.TrimSpace(v) == "" {
		return "Not specified"
	}
	return v
}
