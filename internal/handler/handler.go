package handler

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"climate-video-server/internal/export"
	"climate-video-server/internal/model"
	"climate-video-server/internal/playback"
	"climate-video-server/internal/samples"
	"climate-video-server/internal/service"
	"climate-video-server/internal/session"
)

// CreatorHandler обрабатывает HTTP запросы мастера создания роликов.
type CreatorHandler struct {
	sessions          *session.Manager
	creative          service.CreativeService
	synth             service.Synthesizer
	packager          *export.Packager
	brandImageMaxSize int64
	logger            *zap.Logger
}

// NewCreatorHandler создает новый CreatorHandler.
func NewCreatorHandler(
	sessions *session.Manager,
	creative service.CreativeService,
	synth service.Synthesizer,
	packager *export.Packager,
	brandImageMaxSize int64,
	logger *zap.Logger,
) *CreatorHandler {
	return &CreatorHandler{
		sessions:          sessions,
		creative:          creative,
		synth:             synth,
		packager:          packager,
		brandImageMaxSize: brandImageMaxSize,
		logger:            logger.Named("CreatorHandler"),
	}
}

// RegisterRoutes регистрирует маршруты мастера.
// generateLimiter применяется к маршрутам, порождающим запросы к AI.
func (h *CreatorHandler) RegisterRoutes(rg *gin.RouterGroup, generateLimiter gin.HandlerFunc) {
	sessionsGroup := rg.Group("/sessions")
	{
		sessionsGroup.POST("", h.createSession)
		sessionsGroup.GET("/:id", h.getSession)
		sessionsGroup.DELETE("/:id", h.deleteSession)
		sessionsGroup.PUT("/:id/inputs", h.updateInputs)
		sessionsGroup.POST("/:id/brand-image", h.uploadBrandImage)

		sessionsGroup.POST("/:id/script", generateLimiter, h.generateScript)
		sessionsGroup.POST("/:id/script/approve", generateLimiter, h.approveScript)
		sessionsGroup.POST("/:id/thumbnail/regenerate", generateLimiter, h.regenerateThumbnail)
		sessionsGroup.POST("/:id/thumbnail/approve", generateLimiter, h.approveThumbnail)
		sessionsGroup.POST("/:id/retry", generateLimiter, h.retry)
		sessionsGroup.POST("/:id/reset", h.reset)

		sessionsGroup.POST("/:id/playback/play", h.playbackPlay)
		sessionsGroup.POST("/:id/playback/pause", h.playbackPause)
		sessionsGroup.POST("/:id/playback/restart", h.playbackRestart)
		sessionsGroup.PUT("/:id/playback/voice", h.playbackSetVoice)

		sessionsGroup.GET("/:id/export", h.exportPackage)
		sessionsGroup.GET("/:id/events", h.sessionEvents)
	}

	assistGroup := rg.Group("/assist")
	{
		assistGroup.POST("/persona", generateLimiter, h.assistPersona)
		assistGroup.POST("/story", generateLimiter, h.assistStory)
	}

	rg.GET("/samples", h.listSamples)
	rg.GET("/voices", h.listVoices)
}

// session достает сессию по :id, отвечая 404 при отсутствии.
func (h *CreatorHandler) session(c *gin.Context) *session.Session {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Message: "Session not found"})
		return nil
	}
	return s
}

func (h *CreatorHandler) stateResponse(s *session.Session) sessionStateResponse {
	stage, content, errMsg := s.Pipeline.Snapshot()
	return sessionStateResponse{
		ID:       s.ID,
		Stage:    stage,
		Error:    errMsg,
		Inputs:   s.Inputs(),
		Content:  content,
		Playback: s.Player.State(),
	}
}

func (h *CreatorHandler) createSession(c *gin.Context) {
	s := h.sessions.Create()

	// Голос по умолчанию выбирается сразу, чтобы озвучка работала без настройки
	voice := h.synth.DefaultVoice(c.Request.Context())
	if voice != "" {
		s.UpdateInputs(func(in *model.Inputs) { in.VoiceName = voice })
		s.Player.SetVoice(voice)
	}

	c.JSON(http.StatusCreated, h.stateResponse(s))
}

func (h *CreatorHandler) getSession(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	c.JSON(http.StatusOK, h.stateResponse(s))
}

func (h *CreatorHandler) deleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Param("id")); err != nil {
		handleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CreatorHandler) updateInputs(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	var req updateInputsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: "Invalid request data: " + err.Error()})
		return
	}

	stage, _, _ := s.Pipeline.Snapshot()
	// Голос можно менять на любой стадии, остальные поля - только до генерации
	editsContent := req.Persona != nil || req.Storyboard != nil || req.BrandEnabled != nil || req.BrandInfo != nil
	if editsContent && stage != model.StageInput {
		handleServiceError(c, fmt.Errorf("%w: inputs are editable only before generation", model.ErrInvalidStage))
		return
	}

	inputs := s.UpdateInputs(func(in *model.Inputs) {
		if req.Persona != nil {
			in.Persona = *req.Persona
		}
		if req.Storyboard != nil {
			in.Storyboard = *req.Storyboard
		}
		if req.VoiceName != nil {
			in.VoiceName = *req.VoiceName
		}
		if req.BrandEnabled != nil {
			in.Brand.Enabled = *req.BrandEnabled
			if !in.Brand.Enabled {
				in.Brand.Info = ""
				in.Brand.ImageDataURL = ""
			}
		}
		if req.BrandInfo != nil {
			in.Brand.Info = *req.BrandInfo
		}
	})
	if req.VoiceName != nil {
		s.Player.SetVoice(*req.VoiceName)
	}

	c.JSON(http.StatusOK, inputs)
}

var allowedBrandImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

func (h *CreatorHandler) uploadBrandImage(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	stage, _, _ := s.Pipeline.Snapshot()
	if stage != model.StageInput {
		handleServiceError(c, fmt.Errorf("%w: brand image is editable only before generation", model.ErrInvalidStage))
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: "Missing image file"})
		return
	}
	if file.Size > h.brandImageMaxSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Code:    ErrCodePayloadTooBig,
			Message: fmt.Sprintf("Image exceeds %d bytes", h.brandImageMaxSize),
		})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: ErrCodeInternal, Message: "Failed to read upload"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.brandImageMaxSize+1))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: ErrCodeInternal, Message: "Failed to read upload"})
		return
	}
	if int64(len(data)) > h.brandImageMaxSize {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Code:    ErrCodePayloadTooBig,
			Message: fmt.Sprintf("Image exceeds %d bytes", h.brandImageMaxSize),
		})
		return
	}

	mimeType := http.DetectContentType(data)
	if !allowedBrandImageTypes[mimeType] {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Code:    ErrCodeBadRequest,
			Message: "Unsupported image type, expected JPEG, PNG or WebP",
		})
		return
	}

	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	inputs := s.UpdateInputs(func(in *model.Inputs) {
		in.Brand.ImageDataURL = dataURL
	})

	h.logger.Info("Brand image uploaded",
		zap.String("session_id", s.ID),
		zap.String("mime_type", mimeType),
		zap.Int("size_bytes", len(data)),
	)
	c.JSON(http.StatusOK, inputs)
}

func (h *CreatorHandler) generateScript(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	if err := s.Pipeline.GenerateScript(s.Inputs()); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.stateResponse(s))
}

func (h *CreatorHandler) approveScript(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	if err := s.Pipeline.ApproveScript(); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.stateResponse(s))
}

func (h *CreatorHandler) regenerateThumbnail(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	if err := s.Pipeline.RegenerateThumbnail(); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.stateResponse(s))
}

func (h *CreatorHandler) approveThumbnail(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	if err := s.Pipeline.ApproveThumbnail(); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, h.stateResponse(s))
}

func (h *CreatorHandler) retry(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	if err := s.Pipeline.Retry(); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.stateResponse(s))
}

func (h *CreatorHandler) reset(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	s.Pipeline.Reset()

	// Сброс возвращает мастер к чистому листу: персона, сюжет и бренд
	// очищаются, голос заново берется по умолчанию
	voice := h.synth.DefaultVoice(c.Request.Context())
	s.UpdateInputs(func(in *model.Inputs) { *in = model.Inputs{VoiceName: voice} })
	if voice != "" {
		s.Player.SetVoice(voice)
	}

	c.JSON(http.StatusOK, h.stateResponse(s))
}

func (h *CreatorHandler) assistPersona(c *gin.Context) {
	var req assistPersonaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: "Invalid request data: " + err.Error()})
		return
	}

	var (
		text string
		err  error
	)
	switch req.Mode {
	case "form":
		text, err = h.creative.GeneratePersonaFromForm(c.Request.Context(), req.Form)
	case "random":
		text, err = h.creative.GenerateRandomPersona(c.Request.Context())
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: "Mode must be 'form' or 'random'"})
		return
	}
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, assistResponse{Text: text})
}

func (h *CreatorHandler) assistStory(c *gin.Context) {
	var req assistStoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: "Invalid request data: " + err.Error()})
		return
	}

	var (
		text string
		err  error
	)
	switch req.Mode {
	case "form":
		text, err = h.creative.GenerateStoryFromForm(c.Request.Context(), req.Form)
	case "latest_news":
		text, err = h.creative.GenerateStoryFromLatestNews(c.Request.Context())
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: "Mode must be 'form' or 'latest_news'"})
		return
	}
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, assistResponse{Text: text})
}

func (h *CreatorHandler) listSamples(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"samples": samples.All()})
}

func (h *CreatorHandler) listVoices(c *gin.Context) {
	voices, err := h.synth.Voices(c.Request.Context())
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"voices":  voices,
		"default": h.synth.DefaultVoice(c.Request.Context()),
	})
}

func (h *CreatorHandler) playbackPlay(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	if err := s.Player.Play(); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Player.State())
}

func (h *CreatorHandler) playbackPause(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	s.Player.Pause()
	c.JSON(http.StatusOK, s.Player.State())
}

func (h *CreatorHandler) playbackRestart(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	if err := s.Player.Restart(); err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Player.State())
}

func (h *CreatorHandler) playbackSetVoice(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}
	var req setVoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VoiceName == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: "voice_name is required"})
		return
	}
	s.Player.SetVoice(req.VoiceName)
	s.UpdateInputs(func(in *model.Inputs) { in.VoiceName = req.VoiceName })
	c.JSON(http.StatusOK, s.Player.State())
}

func (h *CreatorHandler) exportPackage(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	stage, content, _ := s.Pipeline.Snapshot()
	if stage != model.StageComplete {
		handleServiceError(c, fmt.Errorf("%w: export is available when generation is complete", model.ErrInvalidStage))
		return
	}

	// Архив небольшой, собираем его целиком до отправки заголовков,
	// чтобы ошибка упаковки вернула клиенту честный статус
	var buf bytes.Buffer
	if err := h.packager.WritePackage(&buf, content); err != nil {
		h.logger.Error("Failed to build export package",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		handleServiceError(c, err)
		return
	}

	name := export.ArchiveName(content.CreativePackage.Title)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

// handleServiceError переводит доменные ошибки в HTTP статусы.
func handleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Code: ErrCodeBadRequest, Message: err.Error()})
	case errors.Is(err, model.ErrSessionNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Code: ErrCodeNotFound, Message: "Session not found"})
	case errors.Is(err, model.ErrInvalidStage),
		errors.Is(err, playback.ErrNoPlayableContent),
		errors.Is(err, export.ErrNothingToExport):
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Code: ErrCodeConflict, Message: err.Error()})
	case errors.Is(err, service.ErrAIGenerationFailed),
		errors.Is(err, service.ErrSpeechSynthesisFailed):
		c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Code: ErrCodeUpstream, Message: err.Error()})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: ErrCodeInternal, Message: "Internal server error"})
	}
}
