package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"driftloop/internal/shared"
	"driftloop/pkg/drift"
)

// ErrStopped возвращается при добавлении цикла в остановленный планировщик.
var ErrStopped = errors.New("scheduler: stopped")

// Config содержит конфигурацию планировщика.
type Config struct {
	Logger *slog.Logger
	// InstanceID помечает все циклы этого процесса.
	InstanceID string
	// Observers получают события всех циклов (история, алерты).
	Observers []drift.Observer
	// Hooks - необязательные хуки для наблюдаемости.
	Hooks drift.Hooks
	// Clock используется в тестах; по умолчанию системные часы.
	Clock drift.Clock
}

// LoopInfo описывает зарегистрированный цикл.
type LoopInfo struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	InstanceID string    `json:"instance_id"`
	State      string    `json:"state"`
	Cycles     uint64    `json:"cycles"`
	Dropped    uint64    `json:"dropped_events"`
	Error      string    `json:"error,omitempty"`
	AddedAt    time.Time `json:"added_at"`
}

type entry struct {
	handle   *drift.Handle
	schedule string
	addedAt  time.Time
}

// Scheduler владеет именованными drift-циклами одного процесса.
// Циклы не зависят друг от друга: остановка одного не трогает остальные.
type Scheduler struct {
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
	cfg       Config
	observers []drift.Observer

	mu       sync.Mutex
	loops    map[string]*entry
	stopOnce sync.Once
}

// New создает планировщик с background контекстом.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает планировщик; отмена parentCtx останавливает все циклы.
func NewWithContext(parentCtx context.Context, cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(parentCtx)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InstanceID != "" {
		logger = logger.With("instance_id", cfg.InstanceID)
	}

	observers := append([]drift.Observer(nil), cfg.Observers...)
	if h := cfg.Hooks; h.OnRunStart != nil || h.OnRunFinish != nil || h.OnSkip != nil || h.OnStop != nil {
		observers = append(observers, cfg.Hooks)
	}

	return &Scheduler{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		cfg:       cfg,
		observers: observers,
		loops:     make(map[string]*entry),
	}
}

// AddIntervalLoop запускает цикл с фиксированным интервалом и коррекцией дрейфа.
func (s *Scheduler) AddIntervalLoop(name string, interval time.Duration, job drift.Job, runImmediately bool) (*drift.Handle, error) {
	return s.add(name, interval.String(), runImmediately, func(opts drift.Options) (*drift.Handle, error) {
		return drift.StartWithOptions(s.ctx, interval, job, opts)
	})
}

// AddCronLoop запускает цикл по cron-расписанию.
// Примеры расписаний:
//   - "0 30 * * * *" - в 30 минут каждого часа
//   - "@hourly" - каждый час
//   - "@every 5m" - каждые 5 минут
func (s *Scheduler) AddCronLoop(name, spec string, job drift.Job, runImmediately bool) (*drift.Handle, error) {
	return s.add(name, spec, runImmediately, func(opts drift.Options) (*drift.Handle, error) {
		return drift.StartCron(s.ctx, spec, job, opts)
	})
}

func (s *Scheduler) add(name, schedule string, runImmediately bool, start func(drift.Options) (*drift.Handle, error)) (*drift.Handle, error) {
	if name == "" {
		return nil, shared.MarkKind(errors.New("scheduler: loop name is required"), shared.KindValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsRunning() {
		return nil, ErrStopped
	}
	if _, exists := s.loops[name]; exists {
		return nil, shared.MarkKind(fmt.Errorf("scheduler: loop %q already registered", name), shared.KindValidation)
	}

	h, err := start(drift.Options{
		Name:           name,
		RunImmediately: runImmediately,
		Logger:         s.logger,
		Observers:      s.observers,
		Clock:          s.cfg.Clock,
	})
	if err != nil {
		s.logger.Error("failed to add loop", "name", name, "schedule", schedule, "error", err)
		return nil, err
	}

	s.loops[name] = &entry{handle: h, schedule: schedule, addedAt: time.Now()}
	s.logger.Info("loop added", "name", name, "schedule", schedule, "run_immediately", runImmediately)
	return h, nil
}

// Loops возвращает все циклы, отсортированные по имени.
func (s *Scheduler) Loops() []LoopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LoopInfo, 0, len(s.loops))
	for name, e := range s.loops {
		out = append(out, s.info(name, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Loop возвращает описание цикла по имени.
func (s *Scheduler) Loop(name string) (LoopInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.loops[name]
	if !ok {
		return LoopInfo{}, unknownLoop(name)
	}
	return s.info(name, e), nil
}

// Handle возвращает handle цикла по имени.
func (s *Scheduler) Handle(name string) (*drift.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.loops[name]
	if !ok {
		return nil, unknownLoop(name)
	}
	return e.handle, nil
}

// Cancel запрашивает остановку цикла и не ждет ее завершения.
// Повторная отмена не является ошибкой.
func (s *Scheduler) Cancel(name string) error {
	h, err := s.Handle(name)
	if err != nil {
		return err
	}
	h.Cancel()
	s.logger.Info("loop cancel requested", "name", name)
	return nil
}

func (s *Scheduler) info(name string, e *entry) LoopInfo {
	li := LoopInfo{
		Name:       name,
		Schedule:   e.schedule,
		InstanceID: s.cfg.InstanceID,
		State:      e.handle.State().String(),
		Cycles:     e.handle.Cycles(),
		Dropped:    e.handle.DroppedEvents(),
		AddedAt:    e.addedAt,
	}
	if err := e.handle.Err(); err != nil {
		li.Error = err.Error()
	}
	return li
}

func unknownLoop(name string) error {
	return fmt.Errorf("scheduler: loop %q: %w", name, shared.ErrNotFound)
}

// Stop отменяет все циклы и ждет их остановки.
func (s *Scheduler) Stop() {
	_ = s.StopContext(context.Background())
}

// StopContext отменяет все циклы и ждет их остановки до дедлайна ctx.
// Циклы, не успевшие завершить текущий запуск, продолжают остановку в фоне.
func (s *Scheduler) StopContext(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		s.cancel()

		s.mu.Lock()
		handles := make([]*drift.Handle, 0, len(s.loops))
		for _, e := range s.loops {
			handles = append(handles, e.handle)
		}
		s.mu.Unlock()

		for _, h := range handles {
			h.Cancel()
		}
		for _, h := range handles {
			select {
			case <-h.Done():
			case <-ctx.Done():
				s.logger.Warn("scheduler stop deadline exceeded", "waiting_for", h.Name())
				err = ctx.Err()
				return
			}
		}
		s.logger.Info("scheduler stopped")
	})
	return err
}

// IsRunning возвращает true, пока планировщик не остановлен.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}
