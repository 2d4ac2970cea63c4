package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"climate-video-server/internal/model"
	"climate-video-server/internal/service"
)

// EventType - тип события пайплайна.
type EventType string

const (
	// EventStageChanged - пайплайн перешел в новую стадию.
	EventStageChanged EventType = "stage_changed"
)

// Event - уведомление подписчикам об изменении состояния пайплайна.
type Event struct {
	Type    EventType           `json:"type"`
	Stage   model.PipelineStage `json:"stage"`
	Error   string              `json:"error,omitempty"`
	Content model.GeneratedContent `json:"content"`
}

// Listener получает события пайплайна. Вызывается без удержания внутреннего мьютекса.
type Listener func(Event)

// Pipeline - конечный автомат линейного пайплайна генерации одной сессии.
//
// Переходы инициируются только явными действиями пользователя; генерация
// выполняется асинхронно, результат применяется только если его эпоха
// совпадает с текущей (защита от устаревших ответов после regenerate/reset).
type Pipeline struct {
	mu       sync.Mutex
	logger   *zap.Logger
	creative service.CreativeService
	images   service.ImageService

	stage    model.PipelineStage
	content  model.GeneratedContent
	errMsg   string
	epoch    uint64
	listener Listener
}

// New создает пайплайн в стадии input.
func New(creative service.CreativeService, images service.ImageService, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		logger:   logger,
		creative: creative,
		images:   images,
		stage:    model.StageInput,
	}
}

// SetListener задает подписчика событий. Допустим nil.
func (p *Pipeline) SetListener(l Listener) {
	p.mu.Lock()
	p.listener = l
	p.mu.Unlock()
}

// Snapshot возвращает копию текущего состояния пайплайна.
func (p *Pipeline) Snapshot() (model.PipelineStage, model.GeneratedContent, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage, p.contentCopy(), p.errMsg
}

// contentCopy копирует агрегат артефактов. Вызывается под мьютексом.
func (p *Pipeline) contentCopy() model.GeneratedContent {
	c := p.content
	if c.VideoFrameURLs != nil {
		c.VideoFrameURLs = append([]string(nil), c.VideoFrameURLs...)
	}
	return c
}

// notifyLocked формирует событие под мьютексом и доставляет его после освобождения.
func (p *Pipeline) notifyLocked() func() {
	l := p.listener
	if l == nil {
		return func() {}
	}
	ev := Event{
		Type:    EventStageChanged,
		Stage:   p.stage,
		Error:   p.errMsg,
		Content: p.contentCopy(),
	}
	return func() { l(ev) }
}

// GenerateScript запускает генерацию сценария. Допустимо из стадии input
// (первая генерация) и script_approval (regenerate с теми же входами).
func (p *Pipeline) GenerateScript(inputs model.Inputs) error {
	p.mu.Lock()

	if p.stage != model.StageInput && p.stage != model.StageScriptApproval {
		p.mu.Unlock()
		return fmt.Errorf("%w: stage %s", model.ErrInvalidStage, p.stage)
	}

	// Валидация до какого-либо обращения к сервису
	if err := validateScriptInputs(inputs); err != nil {
		p.errMsg = err.Error()
		p.stage = model.StageError
		notify := p.notifyLocked()
		p.mu.Unlock()
		notify()
		return err
	}

	// Новая генерация обнуляет все предыдущие артефакты
	p.content = model.GeneratedContent{}
	p.errMsg = ""
	p.stage = model.StageScriptGenerating
	p.epoch++
	epoch := p.epoch
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()

	go p.runScriptGeneration(epoch, inputs)
	return nil
}

// validateScriptInputs проверяет обязательные входные данные генерации сценария.
func validateScriptInputs(inputs model.Inputs) error {
	if strings.TrimSpace(inputs.Persona) == "" || strings.TrimSpace(inputs.Storyboard) == "" {
		return fmt.Errorf("%w: persona and storyboard are required", model.ErrValidation)
	}
	if inputs.Brand.Enabled && strings.TrimSpace(inputs.Brand.Info) == "" {
		return fmt.Errorf("%w: brand information is required to generate a promotional script", model.ErrValidation)
	}
	return nil
}

func (p *Pipeline) runScriptGeneration(epoch uint64, inputs model.Inputs) {
	// Контекст фоновый: жизнь запроса не привязана к HTTP запросу,
	// таймауты обеспечиваются клиентами сервисов
	pkg, err := p.creative.GenerateCreativePackage(context.Background(), inputs.Persona, inputs.Storyboard, inputs.Brand)

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		p.logger.Info("Dropping stale script generation result", zap.Uint64("epoch", epoch))
		return
	}
	if err != nil {
		p.errMsg = "Failed to generate script and scenes."
		p.stage = model.StageError
		notify := p.notifyLocked()
		p.mu.Unlock()
		notify()
		p.logger.Error("Script generation failed", zap.Error(err))
		return
	}
	p.content.CreativePackage = pkg
	p.stage = model.StageScriptApproval
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()
	p.logger.Info("Script generated", zap.String("title", pkg.Title), zap.Int("scenes", len(pkg.Scenes)))
}

// ApproveScript подтверждает сценарий и запускает генерацию превью.
func (p *Pipeline) ApproveScript() error {
	return p.startThumbnail(model.StageScriptApproval)
}

// RegenerateThumbnail перезапускает генерацию превью из стадии подтверждения.
func (p *Pipeline) RegenerateThumbnail() error {
	return p.startThumbnail(model.StageThumbnailApproval)
}

func (p *Pipeline) startThumbnail(from model.PipelineStage) error {
	p.mu.Lock()

	if p.stage != from {
		p.mu.Unlock()
		return fmt.Errorf("%w: stage %s", model.ErrInvalidStage, p.stage)
	}
	if p.content.CreativePackage == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: no creative package", model.ErrInvalidStage)
	}

	prompt := p.content.CreativePackage.ThumbnailPrompt
	p.errMsg = ""
	p.stage = model.StageThumbnailGenerating
	p.epoch++
	epoch := p.epoch
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()

	go p.runThumbnailGeneration(epoch, prompt)
	return nil
}

func (p *Pipeline) runThumbnailGeneration(epoch uint64, prompt string) {
	// Генерация превью всегда разрешается: при сбое подставляется fallback
	url := p.images.Generate(context.Background(), prompt)

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		p.logger.Info("Dropping stale thumbnail result", zap.Uint64("epoch", epoch))
		return
	}
	p.content.ThumbnailURL = url
	p.stage = model.StageThumbnailApproval
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()
}

// ApproveThumbnail подтверждает превью и запускает генерацию кадров видео,
// по одному параллельному запросу на сцену.
func (p *Pipeline) ApproveThumbnail() error {
	p.mu.Lock()

	if p.stage != model.StageThumbnailApproval {
		p.mu.Unlock()
		return fmt.Errorf("%w: stage %s", model.ErrInvalidStage, p.stage)
	}
	if p.content.CreativePackage == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: no creative package", model.ErrInvalidStage)
	}

	prompts := make([]string, len(p.content.CreativePackage.Scenes))
	for i, sc := range p.content.CreativePackage.Scenes {
		prompts[i] = sc.Visual
	}
	p.errMsg = ""
	p.stage = model.StageVideoGenerating
	p.epoch++
	epoch := p.epoch
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()

	go p.runVideoGeneration(epoch, prompts)
	return nil
}

func (p *Pipeline) runVideoGeneration(epoch uint64, prompts []string) {
	urls := make([]string, len(prompts))
	var wg sync.WaitGroup
	for i, prompt := range prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			urls[i] = p.images.Generate(context.Background(), prompt)
		}(i, prompt)
	}
	wg.Wait()

	failed := false
	for _, u := range urls {
		if u == "" {
			failed = true
			break
		}
	}

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		p.logger.Info("Dropping stale video frame batch", zap.Uint64("epoch", epoch))
		return
	}
	if failed {
		// Все или ничего: частичные кадры не фиксируются
		p.errMsg = "A fallback image failed to load. Please check your connection and try again."
		p.stage = model.StageError
		notify := p.notifyLocked()
		p.mu.Unlock()
		notify()
		p.logger.Error("Video frame batch failed", zap.Int("scenes", len(prompts)))
		return
	}
	p.content.VideoFrameURLs = urls
	p.stage = model.StageComplete
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()
	p.logger.Info("Video frames generated", zap.Int("frames", len(urls)))
}

// Retry возвращает пайплайн из стадии error в самую глубокую стадию,
// для которой уже существует артефакт.
func (p *Pipeline) Retry() error {
	p.mu.Lock()

	if p.stage != model.StageError {
		p.mu.Unlock()
		return fmt.Errorf("%w: stage %s", model.ErrInvalidStage, p.stage)
	}

	p.errMsg = ""
	switch {
	case p.content.ThumbnailURL != "":
		p.stage = model.StageThumbnailApproval
	case p.content.CreativePackage != nil:
		p.stage = model.StageScriptApproval
	default:
		p.stage = model.StageInput
	}
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()
	return nil
}

// Reset возвращает пайплайн в исходное состояние из любой стадии.
// Повышение эпохи гарантирует, что результаты запросов в полете будут отброшены.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.stage = model.StageInput
	p.content = model.GeneratedContent{}
	p.errMsg = ""
	p.epoch++
	notify := p.notifyLocked()
	p.mu.Unlock()
	notify()
}
