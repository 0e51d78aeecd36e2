package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task names used across the service.
const (
	TaskJobRun         = "job.run"
	TaskReportGenerate = "report.generate"
)

// HandlerFunc executes a named task. Handlers must be idempotent: delivery
// is at-least-once and a resumed process may re-fire work that already ran.
type HandlerFunc func(ctx context.Context, args map[string]string) error

// Scheduler defers named tasks to a later time.
type Scheduler interface {
	ScheduleAt(at time.Time, task string, args map[string]string)
	ScheduleAfter(delay time.Duration, task string, args map[string]string)
}

// TimerScheduler runs deferred tasks on in-process timers. Pending timers do
// not survive a restart; recovery of interrupted work happens through the
// periodic sweeps, which re-discover runnable jobs from persisted state.
type TimerScheduler struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *logrus.Logger
}

// NewTimerScheduler creates a scheduler whose fired tasks run under a
// context cancelled by Close.
func NewTimerScheduler(logger *logrus.Logger) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		handlers: make(map[string]HandlerFunc),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Register binds a handler to a task name. Scheduling a task with no
// registered handler logs and drops it at fire time.
func (s *TimerScheduler) Register(task string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[task] = h
}

func (s *TimerScheduler) ScheduleAt(at time.Time, task string, args map[string]string) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.ScheduleAfter(delay, task, args)
}

func (s *TimerScheduler) ScheduleAfter(delay time.Duration, task string, args map[string]string) {
	s.wg.Add(1)
	timer := time.NewTimer(delay)
	go func() {
		defer s.wg.Done()
		defer timer.Stop()
		select {
		case <-s.baseCtx.Done():
			return
		case <-timer.C:
		}
		s.fire(task, args)
	}()
}

func (s *TimerScheduler) fire(task string, args map[string]string) {
	s.mu.Lock()
	h, ok := s.handlers[task]
	s.mu.Unlock()
	if !ok {
		s.logger.WithField("task", task).Warn("No handler registered for scheduled task")
		return
	}
	if err := h(s.baseCtx, args); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"task": task,
			"args": args,
		}).Error("Scheduled task failed")
	}
}

// Close cancels pending timers and waits for in-flight handlers.
func (s *TimerScheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Recorder captures scheduled tasks without running them. Test helper.
type Recorder struct {
	mu    sync.Mutex
	Tasks []RecordedTask
}

// RecordedTask is one captured ScheduleAt/ScheduleAfter call.
type RecordedTask struct {
	Task  string
	Args  map[string]string
	At    time.Time
	Delay time.Duration
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ScheduleAt(at time.Time, task string, args map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tasks = append(r.Tasks, RecordedTask{Task: task, Args: args, At: at})
}

func (r *Recorder) ScheduleAfter(delay time.Duration, task string, args map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tasks = append(r.Tasks, RecordedTask{Task: task, Args: args, Delay: delay})
}

// Named returns the captured tasks with the given name.
func (r *Recorder) Named(task string) []RecordedTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedTask
	for _, t := range r.Tasks {
		if t.Task == task {
			out = append(out, t)
		}
	}
	return out
}
