package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"climate-video-server/internal/model"
	"climate-video-server/internal/playback"
	"climate-video-server/internal/session"
)

// --- Фейки сервисов ---

type fakeCreative struct {
	pkg *model.CreativePackage
}

func (f *fakeCreative) GenerateCreativePackage(ctx context.Context, persona, storyboard string, brand model.BrandPromotion) (*model.CreativePackage, error) {
	return f.pkg, nil
}

func (f *fakeCreative) GeneratePersonaFromForm(ctx context.Context, form model.PersonaFormData) (string, error) {
	return "persona", nil
}

func (f *fakeCreative) GenerateRandomPersona(ctx context.Context) (string, error) {
	return "persona", nil
}

func (f *fakeCreative) GenerateStoryFromForm(ctx context.Context, form model.StoryFormData) (string, error) {
	return "story", nil
}

func (f *fakeCreative) GenerateStoryFromLatestNews(ctx context.Context) (string, error) {
	return "story", nil
}

type fakeImages struct{}

func (fakeImages) Generate(ctx context.Context, prompt string) string {
	return "data:image/jpeg;base64,QQ=="
}

type fakeSynth struct{}

func (fakeSynth) Voices(ctx context.Context) ([]model.Voice, error) {
	return []model.Voice{{Name: "en-US-Test", Lang: "en-US"}}, nil
}
func (fakeSynth) DefaultVoice(ctx context.Context) string { return "en-US-Test" }

func (fakeSynth) Speak(ctx context.Context, text, voice string) error { return nil }

func (fakeSynth) Close() error { return nil }

func testPackage() *model.CreativePackage {
	return &model.CreativePackage{
		Title:           "Test",
		ThumbnailPrompt: "thumb",
		Scenes: []model.Scene{
			{Visual: "v1", Dialogue: "d1"},
			{Visual: "v2", Dialogue: "d2"},
		},
	}
}

func newTestManager(t *testing.T, ttl time.Duration) *session.Manager {
	t.Helper()
	m := session.NewManager(
		&fakeCreative{pkg: testPackage()},
		fakeImages{},
		fakeSynth{},
		ttl,
		10*time.Millisecond,
		time.Millisecond,
		zap.NewNop(),
	)
	t.Cleanup(m.Close)
	return m
}

func TestManager_CreateGetDelete(t *testing.T) {
	m := newTestManager(t, time.Hour)

	s := m.Create()
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, m.Count())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	require.NoError(t, m.Delete(s.ID))
	assert.Equal(t, 0, m.Count())
	assert.ErrorIs(t, m.Delete(s.ID), model.ErrSessionNotFound)
}

func TestManager_ExpiredSessionsAreRemoved(t *testing.T) {
	m := newTestManager(t, 30*time.Millisecond)

	s := m.Create()
	require.Equal(t, 1, m.Count())

	assert.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 10*time.Millisecond)

	_, err := m.Get(s.ID)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestManager_GetProlongsSession(t *testing.T) {
	m := newTestManager(t, 80*time.Millisecond)

	s := m.Create()
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		_, err := m.Get(s.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.Count())
}

func TestSession_PipelineCompletionLoadsPlayer(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	inputs := s.UpdateInputs(func(in *model.Inputs) {
		in.Persona = "p"
		in.Storyboard = "s"
	})

	require.NoError(t, s.Pipeline.GenerateScript(inputs))
	waitForPipelineStage(t, events, model.StageScriptApproval)
	require.NoError(t, s.Pipeline.ApproveScript())
	waitForPipelineStage(t, events, model.StageThumbnailApproval)
	require.NoError(t, s.Pipeline.ApproveThumbnail())
	waitForPipelineStage(t, events, model.StageComplete)

	// Готовый контент автоматически загружается в плеер
	require.NoError(t, s.Player.Play())

	st := s.Player.State()
	assert.NotEmpty(t, st.SlotA.Src)
}

func TestSession_ResetClearsPlayer(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	inputs := s.UpdateInputs(func(in *model.Inputs) {
		in.Persona = "p"
		in.Storyboard = "s"
	})
	require.NoError(t, s.Pipeline.GenerateScript(inputs))
	waitForPipelineStage(t, events, model.StageScriptApproval)
	require.NoError(t, s.Pipeline.ApproveScript())
	waitForPipelineStage(t, events, model.StageThumbnailApproval)
	require.NoError(t, s.Pipeline.ApproveThumbnail())
	waitForPipelineStage(t, events, model.StageComplete)

	s.Pipeline.Reset()
	waitForPipelineStage(t, events, model.StageInput)

	assert.ErrorIs(t, s.Player.Play(), playback.ErrNoPlayableContent)
}

func TestSession_SubscribeReceivesPlaybackEvents(t *testing.T) {
	m := newTestManager(t, time.Hour)
	s := m.Create()

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	inputs := s.UpdateInputs(func(in *model.Inputs) {
		in.Persona = "p"
		in.Storyboard = "s"
	})
	require.NoError(t, s.Pipeline.GenerateScript(inputs))
	waitForPipelineStage(t, events, model.StageScriptApproval)
	require.NoError(t, s.Pipeline.ApproveScript())
	waitForPipelineStage(t, events, model.StageThumbnailApproval)
	require.NoError(t, s.Pipeline.ApproveThumbnail())
	waitForPipelineStage(t, events, model.StageComplete)

	require.NoError(t, s.Player.Play())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-events:
			if n.Playback != nil {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for playback event")
		}
	}
}

func waitForPipelineStage(t *testing.T, events <-chan session.Notification, want model.PipelineStage) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-events:
			if n.Pipeline != nil && n.Pipeline.Stage == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stage %s", want)
		}
	}
}
