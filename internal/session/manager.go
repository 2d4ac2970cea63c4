package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"climate-video-server/internal/model"
	"climate-video-server/internal/pipeline"
	"climate-video-server/internal/playback"
	"climate-video-server/internal/service"
)

// Session - одна рабочая сессия мастера: входные данные, конвейер генерации
// и плеер предпросмотра. Все события конвейера и плеера транслируются
// подписчикам сессии.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	lastActive time.Time
	inputs     model.Inputs

	Pipeline *pipeline.Pipeline
	Player   *playback.Player

	subMu   sync.Mutex
	subs    map[int]chan Notification
	nextSub int
}

// Notification - событие сессии для внешних подписчиков (WebSocket).
type Notification struct {
	Pipeline *pipeline.Event `json:"pipeline,omitempty"`
	Playback *playback.Event `json:"playback,omitempty"`
}

// Touch продлевает жизнь сессии.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Inputs возвращает копию входных данных сессии.
func (s *Session) Inputs() model.Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs
}

// UpdateInputs применяет изменение входных данных под блокировкой сессии.
func (s *Session) UpdateInputs(apply func(*model.Inputs)) model.Inputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(&s.inputs)
	return s.inputs
}

// Subscribe создает подписку на события сессии. Канал буферизован;
// медленный подписчик теряет события, а не блокирует конвейер.
func (s *Session) Subscribe() (<-chan Notification, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Notification, 16)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Session) broadcast(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			// Подписчик не успевает - событие пропускается
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// Manager хранит активные сессии в памяти и вычищает простаивающие по TTL.
type Manager struct {
	logger          *zap.Logger
	creative        service.CreativeService
	images          service.ImageService
	synth           service.Synthesizer
	ttl             time.Duration
	cleanupInterval time.Duration
	scenePause      time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewManager(
	creative service.CreativeService,
	images service.ImageService,
	synth service.Synthesizer,
	ttl, cleanupInterval, scenePause time.Duration,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		logger:          logger,
		creative:        creative,
		images:          images,
		synth:           synth,
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		scenePause:      scenePause,
		sessions:        make(map[string]*Session),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Create создает новую сессию с собственным конвейером и плеером.
// Завершение конвейера автоматически загружает контент в плеер.
func (m *Manager) Create() *Session {
	id := uuid.New().String()
	now := time.Now()

	s := &Session{
		ID:         id,
		CreatedAt:  now,
		lastActive: now,
		subs:       make(map[int]chan Notification),
	}
	s.Pipeline = pipeline.New(m.creative, m.images, m.logger.With(zap.String("session_id", id)))
	s.Player = playback.New(m.synth, m.scenePause, m.logger.With(zap.String("session_id", id)))

	s.Pipeline.SetListener(func(ev pipeline.Event) {
		if ev.Stage == model.StageComplete && ev.Content.CreativePackage != nil {
			s.Player.SetContent(ev.Content.CreativePackage.Scenes, ev.Content.VideoFrameURLs)
		}
		if ev.Stage == model.StageInput {
			// Сброс конвейера очищает и плеер
			s.Player.SetContent(nil, nil)
		}
		evCopy := ev
		s.broadcast(Notification{Pipeline: &evCopy})
	})
	s.Player.SetListener(func(ev playback.Event) {
		evCopy := ev
		s.broadcast(Notification{Playback: &evCopy})
	})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("Session created", zap.String("session_id", id))
	return s
}

// Get возвращает сессию и продлевает ее TTL.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, model.ErrSessionNotFound
	}
	s.Touch()
	return s, nil
}

// Delete удаляет сессию, останавливая плеер и закрывая подписки.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return model.ErrSessionNotFound
	}
	s.Player.Pause()
	s.closeSubscribers()
	m.logger.Info("Session deleted", zap.String("session_id", id))
	return nil
}

// Count возвращает число активных сессий.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close останавливает фоновую очистку и закрывает все сессии.
func (m *Manager) Close() {
	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Player.Pause()
		s.closeSubscribers()
	}
}

func (m *Manager) cleanupLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

func (m *Manager) cleanupExpired() {
	now := time.Now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActive)
		s.mu.Unlock()
		if idle > m.ttl {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.Player.Pause()
		s.closeSubscribers()
		m.logger.Info("Expired session removed", zap.String("session_id", s.ID))
	}
}
