package model

import "errors"

// Ошибки уровня домена.
var (
	// ErrValidation - отсутствуют обязательные входные данные.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidStage - действие недопустимо в текущей стадии пайплайна.
	ErrInvalidStage = errors.New("action not allowed in current stage")
	// ErrSessionNotFound - сессия не найдена или истекла.
	ErrSessionNotFound = errors.New("session not found")
)

// PipelineStage - стадия линейного пайплайна генерации.
type PipelineStage string

const (
	StageInput               PipelineStage = "input"
	StageScriptGenerating    PipelineStage = "script_generating"
	StageScriptApproval      PipelineStage = "script_approval"
	StageThumbnailGenerating PipelineStage = "thumbnail_generating"
	StageThumbnailApproval   PipelineStage = "thumbnail_approval"
	StageVideoGenerating     PipelineStage = "video_generating"
	StageComplete            PipelineStage = "complete"
	StageError               PipelineStage = "error"
)

// IsGenerating сообщает, выполняется ли в данной стадии внешний запрос.
func (s PipelineStage) IsGenerating() bool {
	switch s {
	case StageScriptGenerating, StageThumbnailGenerating, StageVideoGenerating:
		return true
	}
	return false
}

// Scene - одна единица видео: визуальный промпт + реплика диктора.
// Порядок сцен значим: он задает и последовательность кадров, и порядок озвучки.
type Scene struct {
	Visual   string `json:"visual"`
	Dialogue string `json:"dialogue"`
}

// CreativePackage - сгенерированный сценарный пакет.
// Неизменяем до следующей регенерации.
type CreativePackage struct {
	Title           string  `json:"title"`
	ThumbnailPrompt string  `json:"thumbnail_prompt"`
	Scenes          []Scene `json:"scenes"`
}

// GeneratedContent - агрегат артефактов пайплайна.
// Инвариант: len(VideoFrameURLs) равен 0 либо len(CreativePackage.Scenes).
type GeneratedContent struct {
	CreativePackage *CreativePackage `json:"creative_package"`
	ThumbnailURL    string           `json:"thumbnail_url"`
	VideoFrameURLs  []string         `json:"video_frame_urls"`
}

// BrandPromotion - опциональная интеграция бренда в сценарий.
// Прикладывается только к запросу генерации сценария.
type BrandPromotion struct {
	Enabled      bool   `json:"enabled"`
	Info         string `json:"info"`
	ImageDataURL string `json:"image_data_url,omitempty"`
}

// PersonaFormData - структурированные поля формы аудитории.
type PersonaFormData struct {
	Age        string `json:"age"`
	Gender     string `json:"gender"`
	Location   string `json:"location"`
	Interests  string `json:"interests"`
	Profession string `json:"profession"`
}

// StoryFormData - структурированные поля формы истории.
type StoryFormData struct {
	Topic    string `json:"topic"`
	Location string `json:"location"`
	Tone     string `json:"tone"`
}

// Inputs - пользовательский ввод сессии.
type Inputs struct {
	Persona    string         `json:"persona"`
	Storyboard string         `json:"storyboard"`
	VoiceName  string         `json:"voice_name"`
	Brand      BrandPromotion `json:"brand"`
}

// Voice - голос, доступный сервису синтеза речи.
type Voice struct {
	Name string `json:"name"`
	Lang string `json:"lang"`
}
