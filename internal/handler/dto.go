package handler

import (
	"climate-video-server/internal/model"
	"climate-video-server/internal/playback"
)

// Коды ошибок API.
const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeUpstream      = "UPSTREAM_FAILED"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodePayloadTooBig = "PAYLOAD_TOO_LARGE"
)

// ErrorResponse представляет стандартизированный ответ об ошибке.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sessionStateResponse - полное состояние сессии для клиента.
type sessionStateResponse struct {
	ID       string                 `json:"id"`
	Stage    model.PipelineStage    `json:"stage"`
	Error    string                 `json:"error,omitempty"`
	Inputs   model.Inputs           `json:"inputs"`
	Content  model.GeneratedContent `json:"content"`
	Playback playback.State         `json:"playback"`
}

// updateInputsRequest - частичное обновление входных данных.
// Указатели отличают "не прислано" от "очистить".
type updateInputsRequest struct {
	Persona      *string `json:"persona"`
	Storyboard   *string `json:"storyboard"`
	VoiceName    *string `json:"voice_name"`
	BrandEnabled *bool   `json:"brand_enabled"`
	BrandInfo    *string `json:"brand_info"`
}

// assistPersonaRequest - запрос генерации описания аудитории.
// Mode: "form" или "random".
type assistPersonaRequest struct {
	Mode string                `json:"mode"`
	Form model.PersonaFormData `json:"form"`
}

// assistStoryRequest - запрос генерации идеи истории.
// Mode: "form" или "latest_news".
type assistStoryRequest struct {
	Mode string              `json:"mode"`
	Form model.StoryFormData `json:"form"`
}

type assistResponse struct {
	Text string `json:"text"`
}

type setVoiceRequest struct {
	VoiceName string `json:"voice_name"`
}
