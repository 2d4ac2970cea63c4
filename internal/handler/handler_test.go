package handler_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"climate-video-server/internal/export"
	"climate-video-server/internal/handler"
	"climate-video-server/internal/model"
	"climate-video-server/internal/service"
	"climate-video-server/internal/session"
)

// --- Фейки сервисов ---

type fakeCreative struct{}

func (fakeCreative) GenerateCreativePackage(ctx context.Context, persona, storyboard string, brand model.BrandPromotion) (*model.CreativePackage, error) {
	return &model.CreativePackage{
		Title:           "Solar Rooftops",
		ThumbnailPrompt: "Sunlit rooftop panels",
		Scenes: []model.Scene{
			{Visual: "Panels at dawn", Dialogue: "The sun pays the bill."},
			{Visual: "Family at home", Dialogue: "Clean power starts at home."},
		},
	}, nil
}

func (fakeCreative) GeneratePersonaFromForm(ctx context.Context, form model.PersonaFormData) (string, error) {
	return "A generated persona", nil
}

func (fakeCreative) GenerateRandomPersona(ctx context.Context) (string, error) {
	return "A random persona", nil
}

func (fakeCreative) GenerateStoryFromForm(ctx context.Context, form model.StoryFormData) (string, error) {
	return "A generated story", nil
}

func (fakeCreative) GenerateStoryFromLatestNews(ctx context.Context) (string, error) {
	return "A news story", nil
}

type fakeImages struct{}

func (fakeImages) Generate(ctx context.Context, prompt string) string {
	return "data:image/jpeg;base64,aW1n"
}

// opaqueImages отдает непустые URL, которые нельзя распаковать при экспорте.
type opaqueImages struct{}

func (opaqueImages) Generate(ctx context.Context, prompt string) string {
	return "https://images.example.com/frame.jpeg"
}

type fakeSynth struct{}

func (fakeSynth) Voices(ctx context.Context) ([]model.Voice, error) {
	return []model.Voice{
		{Name: "en-US-Jenny", Lang: "en-US"},
		{Name: "en-GB-Ryan", Lang: "en-GB"},
	}, nil
}

func (fakeSynth) DefaultVoice(ctx context.Context) string { return "en-US-Jenny" }

func (fakeSynth) Speak(ctx context.Context, text, voice string) error { return nil }

func (fakeSynth) Close() error { return nil }

// --- Тестовое окружение ---

const testBrandImageLimit = 1024

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	return newTestRouterWithImages(t, fakeImages{})
}

func newTestRouterWithImages(t *testing.T, images service.ImageService) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	mgr := session.NewManager(
		fakeCreative{}, images, fakeSynth{},
		time.Hour, time.Hour, time.Millisecond,
		logger,
	)
	t.Cleanup(mgr.Close)

	h := handler.NewCreatorHandler(
		mgr,
		fakeCreative{},
		fakeSynth{},
		export.NewPackager(logger),
		testBrandImageLimit,
		logger,
	)

	router := gin.New()
	noLimiter := func(c *gin.Context) { c.Next() }
	h.RegisterRoutes(router.Group("/api/v1"), noLimiter)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type stateDTO struct {
	ID      string              `json:"id"`
	Stage   model.PipelineStage `json:"stage"`
	Error   string              `json:"error"`
	Inputs  model.Inputs        `json:"inputs"`
	Content struct {
		CreativePackage *model.CreativePackage `json:"creative_package"`
		ThumbnailURL    string                 `json:"thumbnail_url"`
		VideoFrameURLs  []string               `json:"video_frame_urls"`
	} `json:"content"`
}

func decodeState(t *testing.T, w *httptest.ResponseRecorder) stateDTO {
	t.Helper()
	var st stateDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	return st
}

func createSession(t *testing.T, router *gin.Engine) stateDTO {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	return decodeState(t, w)
}

// waitForStage опрашивает состояние сессии до наступления стадии.
func waitForStage(t *testing.T, router *gin.Engine, id string, want model.PipelineStage) stateDTO {
	t.Helper()
	var st stateDTO
	require.Eventually(t, func() bool {
		w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+id, nil)
		if w.Code != http.StatusOK {
			return false
		}
		st = decodeState(t, w)
		return st.Stage == want
	}, 2*time.Second, 10*time.Millisecond, "stage %s not reached", want)
	return st
}

func setValidInputs(t *testing.T, router *gin.Engine, id string) {
	t.Helper()
	w := doJSON(t, router, http.MethodPut, "/api/v1/sessions/"+id+"/inputs", map[string]interface{}{
		"persona":    "Eco-curious commuter",
		"storyboard": "A video about rooftop solar",
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func driveToComplete(t *testing.T, router *gin.Engine, id string) stateDTO {
	t.Helper()
	setValidInputs(t, router, id)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/script", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitForStage(t, router, id, model.StageScriptApproval)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/script/approve", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitForStage(t, router, id, model.StageThumbnailApproval)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+id+"/thumbnail/approve", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	return waitForStage(t, router, id, model.StageComplete)
}

// --- Тесты ---

func TestSessionLifecycle(t *testing.T) {
	router := newTestRouter(t)

	st := createSession(t, router)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, model.StageInput, st.Stage)
	assert.Equal(t, "en-US-Jenny", st.Inputs.VoiceName)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+st.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+st.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+st.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGenerateScriptFlow(t *testing.T) {
	router := newTestRouter(t)
	st := createSession(t, router)

	final := driveToComplete(t, router, st.ID)
	require.NotNil(t, final.Content.CreativePackage)
	assert.Equal(t, "Solar Rooftops", final.Content.CreativePackage.Title)
	assert.NotEmpty(t, final.Content.ThumbnailURL)
	assert.Len(t, final.Content.VideoFrameURLs, len(final.Content.CreativePackage.Scenes))
}

func TestGenerateScriptRequiresInputs(t *testing.T) {
	router := newTestRouter(t)
	st := createSession(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/script", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// После ошибки валидации пайплайн в стадии error, retry возвращает в input
	got := waitForStage(t, router, st.ID, model.StageError)
	assert.NotEmpty(t, got.Error)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	waitForStage(t, router, st.ID, model.StageInput)
}

func TestInputsLockedAfterGeneration(t *testing.T) {
	router := newTestRouter(t)
	st := createSession(t, router)
	setValidInputs(t, router, st.ID)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/script", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	waitForStage(t, router, st.ID, model.StageScriptApproval)

	w = doJSON(t, router, http.MethodPut, "/api/v1/sessions/"+st.ID+"/inputs", map[string]interface{}{
		"persona": "changed",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Смена голоса разрешена на любой стадии
	w = doJSON(t, router, http.MethodPut, "/api/v1/sessions/"+st.ID+"/inputs", map[string]interface{}{
		"voice_name": "en-GB-Ryan",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestApproveOutOfOrder(t *testing.T) {
	router := newTestRouter(t)
	st := createSession(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/script/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/thumbnail/approve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResetReturnsToInput(t *testing.T) {
	router := newTestRouter(t)
	st := createSession(t, router)

	w := doJSON(t, router, http.MethodPut, "/api/v1/sessions/"+st.ID+"/inputs", map[string]interface{}{
		"persona":       "Eco-curious commuter",
		"storyboard":    "A video about rooftop solar",
		"voice_name":    "en-GB-Ryan",
		"brand_enabled": true,
		"brand_info":    "SunnySide Solar",
	})
	require.Equal(t, http.StatusOK, w.Code)
	driveToComplete(t, router, st.ID)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	got := decodeState(t, w)
	assert.Equal(t, model.StageInput, got.Stage)
	assert.Nil(t, got.Content.CreativePackage)

	// Сброс очищает все входные данные и возвращает голос по умолчанию
	assert.Empty(t, got.Inputs.Persona)
	assert.Empty(t, got.Inputs.Storyboard)
	assert.False(t, got.Inputs.Brand.Enabled)
	assert.Empty(t, got.Inputs.Brand.Info)
	assert.Empty(t, got.Inputs.Brand.ImageDataURL)
	assert.Equal(t, "en-US-Jenny", got.Inputs.VoiceName)
}

func TestAssistEndpoints(t *testing.T) {
	router := newTestRouter(t)

	t.Run("persona form", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/assist/persona", map[string]interface{}{
			"mode": "form",
			"form": map[string]string{"age": "25-34"},
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "A generated persona")
	})

	t.Run("persona random", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/assist/persona", map[string]interface{}{"mode": "random"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "A random persona")
	})

	t.Run("story latest news", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/assist/story", map[string]interface{}{"mode": "latest_news"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "A news story")
	})

	t.Run("unknown mode", func(t *testing.T) {
		w := doJSON(t, router, http.MethodPost, "/api/v1/assist/story", map[string]interface{}{"mode": "telepathy"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSamplesAndVoices(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/samples", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "persona")

	w = doJSON(t, router, http.MethodGet, "/api/v1/voices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "en-US-Jenny")
	assert.Contains(t, w.Body.String(), `"default":"en-US-Jenny"`)
}

func uploadBrandImage(t *testing.T, router *gin.Engine, id string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "brand.png")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+id+"/brand-image", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestBrandImageUpload(t *testing.T) {
	pngPayload := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

	t.Run("valid png", func(t *testing.T) {
		router := newTestRouter(t)
		st := createSession(t, router)

		w := uploadBrandImage(t, router, st.ID, pngPayload)
		require.Equal(t, http.StatusOK, w.Code)

		var inputs model.Inputs
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inputs))
		assert.True(t, strings.HasPrefix(inputs.Brand.ImageDataURL, "data:image/png;base64,"))
	})

	t.Run("unsupported type", func(t *testing.T) {
		router := newTestRouter(t)
		st := createSession(t, router)

		w := uploadBrandImage(t, router, st.ID, []byte("plain text, not an image"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("oversized payload", func(t *testing.T) {
		router := newTestRouter(t)
		st := createSession(t, router)

		big := append(pngPayload, bytes.Repeat([]byte{1}, testBrandImageLimit)...)
		w := uploadBrandImage(t, router, st.ID, big)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestPlaybackEndpoints(t *testing.T) {
	router := newTestRouter(t)
	st := createSession(t, router)

	// До завершения генерации воспроизводить нечего
	w := doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/playback/play", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	driveToComplete(t, router, st.ID)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/playback/play", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/playback/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodPut, "/api/v1/sessions/"+st.ID+"/playback/voice", map[string]string{"voice_name": "en-GB-Ryan"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "en-GB-Ryan")

	w = doJSON(t, router, http.MethodPost, "/api/v1/sessions/"+st.ID+"/playback/restart", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExport(t *testing.T) {
	router := newTestRouter(t)
	st := createSession(t, router)

	// До завершения пайплайна экспорт недоступен
	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+st.ID+"/export", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	driveToComplete(t, router, st.ID)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+st.ID+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("attachment; filename=%q", "solar_rooftops.zip"), w.Header().Get("Content-Disposition"))

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, "script.json")
	assert.Contains(t, names, "thumbnail.jpeg")
	assert.Contains(t, names, "video_frames/frame_01.jpeg")
	assert.Contains(t, names, "video_frames/frame_02.jpeg")
}

func TestExportFailureReturnsServerError(t *testing.T) {
	router := newTestRouterWithImages(t, opaqueImages{})
	st := createSession(t, router)
	driveToComplete(t, router, st.ID)

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+st.ID+"/export", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), handler.ErrCodeInternal)
	assert.Empty(t, w.Header().Get("Content-Disposition"))
}
