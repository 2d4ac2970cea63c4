package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"climate-video-server/internal/model"
	"climate-video-server/internal/service"
)

// ErrNoPlayableContent - в плеере нет сцен или кадров, команды не принимаются.
var ErrNoPlayableContent = errors.New("no playable content")

// EventType - тип события воспроизведения.
type EventType string

const (
	// EventSceneStarted - началось воспроизведение сцены (кросс-фейд выполнен).
	EventSceneStarted EventType = "scene_started"
	// EventFinished - воспроизведение дошло до конца последней сцены.
	EventFinished EventType = "playback_finished"
	// EventStopped - воспроизведение остановлено (пауза или ошибка синтеза).
	EventStopped EventType = "playback_stopped"
)

// Event - уведомление подписчикам о ходе воспроизведения.
type Event struct {
	Type       EventType `json:"type"`
	SceneIndex int       `json:"scene_index"`
	Dialogue   string    `json:"dialogue,omitempty"`
	FrameURL   string    `json:"frame_url,omitempty"`
	ActiveSlot string    `json:"active_slot,omitempty"`
}

// Listener получает события плеера. Вызывается без удержания мьютекса.
type Listener func(Event)

// Slot - один из двух чередующихся слотов изображения для кросс-фейда.
// Seq монотонно растет при каждой загрузке нового кадра в слот.
type Slot struct {
	Src string `json:"src"`
	Seq int    `json:"seq"`
}

// State - снимок состояния плеера.
type State struct {
	SceneIndex int    `json:"scene_index"`
	Playing    bool   `json:"playing"`
	Finished   bool   `json:"finished"`
	SlotA      Slot   `json:"slot_a"`
	SlotB      Slot   `json:"slot_b"`
	ActiveSlot string `json:"active_slot"`
	VoiceName  string `json:"voice_name"`
}

// Player - движок синхронного воспроизведения кадров и озвучки одной сессии.
//
// Кадры сменяются кросс-фейдом через два чередующихся слота; реплика каждой
// сцены озвучивается синтезатором, следующая сцена начинается после короткой
// фиксированной паузы. Пауза отменяет реплику немедленно; возобновление
// проговаривает текущую сцену с начала.
type Player struct {
	mu     sync.Mutex
	logger *zap.Logger
	synth  service.Synthesizer
	pause  time.Duration

	scenes   []model.Scene
	frames   []string
	index    int
	playing  bool
	finished bool

	slotA      Slot
	slotB      Slot
	activeSlot string

	voiceName string
	cancel    context.CancelFunc
	listener  Listener
}

// New создает плеер без контента.
func New(synth service.Synthesizer, pause time.Duration, logger *zap.Logger) *Player {
	return &Player{
		logger:     logger,
		synth:      synth,
		pause:      pause,
		activeSlot: "A",
	}
}

// SetListener задает подписчика событий. Допустим nil.
func (pl *Player) SetListener(l Listener) {
	pl.mu.Lock()
	pl.listener = l
	pl.mu.Unlock()
}

// State возвращает снимок состояния плеера.
func (pl *Player) State() State {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return State{
		SceneIndex: pl.index,
		Playing:    pl.playing,
		Finished:   pl.finished,
		SlotA:      pl.slotA,
		SlotB:      pl.slotB,
		ActiveSlot: pl.activeSlot,
		VoiceName:  pl.voiceName,
	}
}

// SetVoice меняет голос озвучки. Текущая реплика не прерывается:
// новый голос применяется со следующей сцены.
func (pl *Player) SetVoice(name string) {
	pl.mu.Lock()
	pl.voiceName = name
	pl.mu.Unlock()
}

// SetContent заменяет сцены и кадры. Любая смена контента останавливает
// воспроизведение, сбрасывает позицию и инициализирует слот A первым кадром.
func (pl *Player) SetContent(scenes []model.Scene, frames []string) {
	pl.mu.Lock()
	pl.cancelLocked()
	pl.scenes = append([]model.Scene(nil), scenes...)
	pl.frames = append([]string(nil), frames...)
	pl.index = 0
	pl.playing = false
	pl.finished = false
	if len(pl.frames) > 0 {
		pl.slotA = Slot{Src: pl.frames[0], Seq: pl.slotA.Seq + 1}
	} else {
		pl.slotA = Slot{Seq: pl.slotA.Seq + 1}
	}
	pl.slotB = Slot{Seq: pl.slotB.Seq + 1}
	pl.activeSlot = "A"
	pl.mu.Unlock()
}

// Play запускает воспроизведение. Из состояния finished начинает с нулевой
// сцены, заново инициализируя первый слот; иначе проговаривает текущую
// сцену с начала.
func (pl *Player) Play() error {
	pl.mu.Lock()

	if len(pl.scenes) == 0 || len(pl.frames) == 0 {
		pl.mu.Unlock()
		return ErrNoPlayableContent
	}
	if pl.playing {
		pl.mu.Unlock()
		return nil
	}

	if pl.finished {
		pl.finished = false
		pl.index = 0
		pl.slotA = Slot{Src: pl.frames[0], Seq: pl.slotA.Seq + 1}
		pl.slotB = Slot{Seq: pl.slotB.Seq + 1}
		pl.activeSlot = "A"
	}

	ctx, cancel := context.WithCancel(context.Background())
	pl.cancel = cancel
	pl.playing = true
	start := pl.index
	pl.mu.Unlock()

	go pl.loop(ctx, start)
	return nil
}

// Restart начинает воспроизведение с нулевой сцены независимо от текущего
// состояния, переинициализируя первый слот.
func (pl *Player) Restart() error {
	pl.mu.Lock()
	if len(pl.scenes) == 0 || len(pl.frames) == 0 {
		pl.mu.Unlock()
		return ErrNoPlayableContent
	}
	pl.cancelLocked()
	pl.finished = false
	pl.index = 0
	pl.slotA = Slot{Src: pl.frames[0], Seq: pl.slotA.Seq + 1}
	pl.slotB = Slot{Seq: pl.slotB.Seq + 1}
	pl.activeSlot = "A"

	ctx, cancel := context.WithCancel(context.Background())
	pl.cancel = cancel
	pl.playing = true
	pl.mu.Unlock()

	go pl.loop(ctx, 0)
	return nil
}

// Pause немедленно отменяет текущую реплику. Позиция сохраняется.
func (pl *Player) Pause() {
	pl.mu.Lock()
	if !pl.playing {
		pl.mu.Unlock()
		return
	}
	pl.cancelLocked()
	pl.playing = false
	notify := pl.notifyLocked(Event{Type: EventStopped, SceneIndex: pl.index})
	pl.mu.Unlock()
	notify()
}

// cancelLocked отменяет активный цикл воспроизведения. Вызывается под мьютексом.
func (pl *Player) cancelLocked() {
	if pl.cancel != nil {
		pl.cancel()
		pl.cancel = nil
	}
}

func (pl *Player) notifyLocked(ev Event) func() {
	l := pl.listener
	if l == nil {
		return func() {}
	}
	return func() { l(ev) }
}

// loop проигрывает сцены начиная со start до конца либо отмены контекста.
func (pl *Player) loop(ctx context.Context, start int) {
	for i := start; ; i++ {
		pl.mu.Lock()
		if ctx.Err() != nil {
			pl.mu.Unlock()
			return
		}
		if i >= len(pl.scenes) || i >= len(pl.frames) {
			// Дошли до конца последней сцены
			pl.playing = false
			pl.finished = true
			notify := pl.notifyLocked(Event{Type: EventFinished, SceneIndex: pl.index})
			pl.mu.Unlock()
			notify()
			return
		}

		pl.index = i
		frame := pl.frames[i]
		dialogue := pl.scenes[i].Dialogue
		voice := pl.voiceName

		// Кросс-фейд: кадр загружается в неактивный слот, затем слоты меняются
		if pl.activeSlot == "A" {
			pl.slotB = Slot{Src: frame, Seq: pl.slotB.Seq + 1}
			pl.activeSlot = "B"
		} else {
			pl.slotA = Slot{Src: frame, Seq: pl.slotA.Seq + 1}
			pl.activeSlot = "A"
		}
		notify := pl.notifyLocked(Event{
			Type:       EventSceneStarted,
			SceneIndex: i,
			Dialogue:   dialogue,
			FrameURL:   frame,
			ActiveSlot: pl.activeSlot,
		})
		pl.mu.Unlock()
		notify()

		if err := pl.synth.Speak(ctx, dialogue, voice); err != nil {
			if ctx.Err() != nil {
				// Отмена - пауза или смена контента, состояние уже обновлено
				return
			}
			pl.logger.Error("Speech synthesis failed, stopping playback",
				zap.Int("scene", i),
				zap.Error(err),
			)
			pl.mu.Lock()
			pl.cancelLocked()
			pl.playing = false
			stopNotify := pl.notifyLocked(Event{Type: EventStopped, SceneIndex: i})
			pl.mu.Unlock()
			stopNotify()
			return
		}

		// Короткая пауза для плавного перехода между сценами
		select {
		case <-ctx.Done():
			return
		case <-time.After(pl.pause):
		}
	}
}
