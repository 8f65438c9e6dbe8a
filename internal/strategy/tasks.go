package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const maxRecordedFailures = 32

// TaskFailure 记录一次后台任务失败，供诊断接口展示。
type TaskFailure struct {
	Name  string    `json:"name"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// TaskStats summarizes background work since startup.
type TaskStats struct {
	Started  int64         `json:"started"`
	Failed   int64         `json:"failed"`
	Running  int64         `json:"running"`
	Failures []TaskFailure `json:"recent_failures"`
}

// Tasks runs detached background work (cache writes, revalidation) that must
// outlive the request that started it. Failures are logged and never reach
// the caller.
type Tasks struct {
	logger logrus.FieldLogger
	wg     sync.WaitGroup

	started atomic.Int64
	failed  atomic.Int64
	running atomic.Int64

	mu       sync.Mutex
	failures []TaskFailure
}

// NewTasks 创建任务跟踪器，logger 为空时使用标准 logger。
func NewTasks(logger logrus.FieldLogger) *Tasks {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tasks{logger: logger}
}

// Go starts fn in its own goroutine. The context passed to fn keeps the
// values of ctx but is never canceled with it.
func (t *Tasks) Go(ctx context.Context, name string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)
	if t == nil {
		go func() { _ = fn(detached) }()
		return
	}
	t.started.Add(1)
	t.running.Add(1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Add(-1)
		if err := fn(detached); err != nil {
			t.record(name, err)
		}
	}()
}

// Wait blocks until every task started so far has finished.
func (t *Tasks) Wait() {
	if t == nil {
		return
	}
	t.wg.Wait()
}

// Stats returns counters and the most recent failures, newest last.
func (t *Tasks) Stats() TaskStats {
	if t == nil {
		return TaskStats{}
	}
	t.mu.Lock()
	failures := make([]TaskFailure, len(t.failures))
	copy(failures, t.failures)
	t.mu.Unlock()
	return TaskStats{
		Started:  t.started.Load(),
		Failed:   t.failed.Load(),
		Running:  t.running.Load(),
		Failures: failures,
	}
}

func (t *Tasks) record(name string, err error) {
	t.failed.Add(1)
	t.logger.WithFields(logrus.Fields{
		"action": "background_task",
		"task":   name,
	}).WithError(err).Warn("background_task_failed")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, TaskFailure{Name: name, Error: err.Error(), At: time.Now().UTC()})
	if len(t.failures) > maxRecordedFailures {
		t.failures = t.failures[len(t.failures)-maxRecordedFailures:]
	}
}
