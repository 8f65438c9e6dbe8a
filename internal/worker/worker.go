// Package worker owns the per-scope generation lifecycle (install, activate,
// claim) and routes intercepted requests to the caching policies.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/strategy"
)

// State 对应 service worker 的生命周期状态。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInstallFailed 表示清单预取或写入失败，新代际未就绪。
	ErrInstallFailed = errors.New("install failed")
	// ErrActivateFailed 表示清理旧代际失败，新代际未接管。
	ErrActivateFailed = errors.New("activate failed")
	// ErrNotInstalled 表示在没有已安装代际时调用了 Activate。
	ErrNotInstalled = errors.New("no installed generation")
)

const installConcurrency = 8

// Options 构造 Worker 所需的依赖。
type Options struct {
	Scope   config.ScopeConfig
	Store   cache.Store
	Fetcher strategy.Fetcher
	Tasks   *strategy.Tasks
	Logger  logrus.FieldLogger
}

// Worker manages the generations of one scope. Exactly one generation is
// active at a time; until the first activation every request passes through.
type Worker struct {
	store   cache.Store
	fetcher strategy.Fetcher
	tasks   *strategy.Tasks
	logger  logrus.FieldLogger
	events  eventLog

	// lifecycle 串行化 Install/Activate/Update。
	lifecycle sync.Mutex

	mu        sync.RWMutex
	scope     config.ScopeConfig
	state     State
	installed *generation
	active    *generation
}

// generation 是一次安装产出的不可变视图。
type generation struct {
	tag        string
	handle     cache.Generation
	manifest   []cache.Key
	shell      cache.Key
	dispatcher *Dispatcher
}

// Outcome describes how an intercepted request was answered.
type Outcome struct {
	Result     strategy.Result
	Category   Category
	Strategy   string
	Generation string
}

// New validates the scope's manifest and strategy bindings and returns an
// idle worker.
func New(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("worker store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("worker fetcher is required")
	}
	if _, err := prepare(opts.Scope); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		store:   opts.Store,
		fetcher: opts.Fetcher,
		tasks:   opts.Tasks,
		logger:  logger.WithField("scope", opts.Scope.Name),
		scope:   opts.Scope,
		state:   StateIdle,
	}, nil
}

func prepare(scope config.ScopeConfig) (*generation, error) {
	if strings.TrimSpace(scope.Generation) == "" {
		return nil, fmt.Errorf("scope %s: generation tag required", scope.Name)
	}
	manifest := make([]cache.Key, 0, len(scope.Assets))
	for _, asset := range scope.Assets {
		key, err := cache.ParseKey(asset)
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope.Name, err)
		}
		if !slices.Contains(manifest, key) {
			manifest = append(manifest, key)
		}
	}
	shellRef := scope.Shell
	if strings.TrimSpace(shellRef) == "" {
		shellRef = config.DefaultShell
	}
	shell, err := cache.ParseKey(shellRef)
	if err != nil {
		return nil, fmt.Errorf("scope %s shell: %w", scope.Name, err)
	}
	if !slices.Contains(manifest, shell) {
		return nil, fmt.Errorf("scope %s: shell %s is not part of the asset manifest", scope.Name, shellRef)
	}
	dispatcher, err := NewDispatcher(scope.Strategies)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", scope.Name, err)
	}
	return &generation{
		tag:        scope.Generation,
		manifest:   manifest,
		shell:      shell,
		dispatcher: dispatcher,
	}, nil
}

// Start installs the configured generation and activates it right away. If
// the install fails but the store already holds that generation from an
// earlier run, the stored copy is activated instead.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	next, err := prepare(w.Scope())
	if err != nil {
		return err
	}
	existed, installErr := w.install(ctx, next)
	if installErr != nil {
		if !existed || next.handle == nil {
			return installErr
		}
		w.record(EventResumed, next.tag, installErr)
	}
	return w.activate(ctx, next)
}

// Install fetches and stores the configured manifest without activating it.
func (w *Worker) Install(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	next, err := prepare(w.Scope())
	if err != nil {
		return err
	}
	_, err = w.install(ctx, next)
	return err
}

// Activate removes every other generation of the scope and then routes all
// traffic to the installed one.
func (w *Worker) Activate(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.mu.RLock()
	next := w.installed
	w.mu.RUnlock()
	if next == nil {
		return ErrNotInstalled
	}
	return w.activate(ctx, next)
}

// Update swaps in new scope settings: the new generation is installed and
// activated, and on any failure the current one keeps serving. Scope keeps
// reporting the previous settings until the update succeeds, so a later
// reload with the same settings retries it.
func (w *Worker) Update(ctx context.Context, scope config.ScopeConfig) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	next, err := prepare(scope)
	if err != nil {
		return err
	}
	if _, err := w.install(ctx, next); err != nil {
		return err
	}
	if err := w.activate(ctx, next); err != nil {
		return err
	}
	w.mu.Lock()
	w.scope = scope
	w.mu.Unlock()
	return nil
}

// install 返回目标代际在安装前是否已存在，以便调用方决定失败后的处理。
func (w *Worker) install(ctx context.Context, next *generation) (bool, error) {
	w.setState(StateInstalling)
	w.record(EventInstalling, next.tag, nil)

	existing, err := w.store.ListGenerations(ctx)
	if err != nil {
		return false, w.failInstall(next, fmt.Errorf("list generations: %w", err))
	}
	existed := slices.Contains(existing, next.tag)

	handle, err := w.store.Open(ctx, next.tag)
	if err != nil {
		return existed, w.failInstall(next, fmt.Errorf("open generation: %w", err))
	}
	next.handle = handle

	responses, err := w.prefetch(ctx, next.manifest)
	if err != nil {
		w.discard(ctx, next, existed)
		return existed, w.failInstall(next, err)
	}
	for i, key := range next.manifest {
		if err := handle.Put(ctx, key, responses[i].ForStorage()); err != nil {
			w.discard(ctx, next, existed)
			return existed, w.failInstall(next, fmt.Errorf("store %s: %w", key, err))
		}
	}

	w.mu.Lock()
	w.installed = next
	w.state = StateInstalled
	w.mu.Unlock()
	w.record(EventInstalled, next.tag, nil)
	return existed, nil
}

// prefetch 并发拉取清单，任一请求出错或返回非 2xx 即整体失败。
func (w *Worker) prefetch(ctx context.Context, manifest []cache.Key) ([]*cache.Response, error) {
	responses := make([]*cache.Response, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, key := range manifest {
		g.Go(func() error {
			req, err := key.Request(gctx)
			if err != nil {
				return err
			}
			resp, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", key.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", key.URL, resp.StatusCode)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// discard 删除本次安装新建的代际；安装前已存在的代际保持原样。
func (w *Worker) discard(ctx context.Context, next *generation, existed bool) {
	if existed {
		return
	}
	if _, err := w.store.Delete(context.WithoutCancel(ctx), next.tag); err != nil {
		w.logger.WithError(err).WithField("generation", next.tag).Warn("discard_generation_failed")
	}
}

func (w *Worker) failInstall(next *generation, err error) error {
	// 已有代际在服务时保持 activated。
	w.mu.Lock()
	if w.active != nil {
		w.state = StateActivated
	} else {
		w.state = StateRedundant
	}
	w.mu.Unlock()
	w.record(EventInstallFailed, next.tag, err)
	return fmt.Errorf("%w: generation %s: %v", ErrInstallFailed, next.tag, err)
}

func (w *Worker) activate(ctx context.Context, next *generation) error {
	w.setState(StateActivating)
	w.record(EventActivating, next.tag, nil)

	if err := w.deleteStale(ctx, next.tag); err != nil {
		w.mu.Lock()
		w.state = StateInstalled
		w.mu.Unlock()
		w.record(EventActivateFailed, next.tag, err)
		return fmt.Errorf("%w: generation %s: %v", ErrActivateFailed, next.tag, err)
	}
	w.record(EventActivated, next.tag, nil)
	w.claim(next)
	return nil
}

// deleteStale 并发删除除 keep 之外的全部代际。
func (w *Worker) deleteStale(ctx context.Context, keep string) error {
	names, err := w.store.ListGenerations(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == keep {
			continue
		}
		g.Go(func() error {
			if _, err := w.store.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete generation %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) claim(next *generation) {
	w.mu.Lock()
	previous := w.active
	w.active = next
	if w.installed == next {
		w.installed = nil
	}
	w.state = StateActivated
	w.mu.Unlock()

	if previous != nil && previous.tag != next.tag {
		w.record(EventRedundant, previous.tag, nil)
	}
	w.record(EventClaimed, next.tag, nil)
}

// Serve answers an intercepted request from the active generation. handled
// is false when the request is not intercepted (non-GET, or no generation
// active yet) and must go to the network untouched.
func (w *Worker) Serve(ctx context.Context, req *http.Request) (Outcome, bool, error) {
	cat, ok := Classify(req)
	if !ok {
		return Outcome{}, false, nil
	}
	w.mu.RLock()
	active := w.active
	w.mu.RUnlock()
	if active == nil {
		return Outcome{}, false, nil
	}

	env := strategy.Env{
		Generation: active.handle,
		Fetcher:    w.fetcher,
		Shell:      active.shell,
		Tasks:      w.tasks,
		Logger: w.logger.WithFields(logrus.Fields{
			"generation": active.tag,
			"category":   string(cat),
		}),
	}
	result, key, err := active.dispatcher.Dispatch(ctx, req, cat, env)
	outcome := Outcome{Result: result, Category: cat, Strategy: key, Generation: active.tag}
	return outcome, true, err
}

// Scope returns the applied scope settings. A failed Update leaves them unchanged.
func (w *Worker) Scope() config.ScopeConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scope
}

// State 返回最近一次生命周期转换后的状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Active returns the tag of the generation currently serving traffic.
func (w *Worker) Active() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.active == nil {
		return "", false
	}
	return w.active.tag, true
}

// ActiveKeys 列出当前代际中的全部缓存键。
func (w *Worker) ActiveKeys(ctx context.Context) ([]cache.Key, error) {
	w.mu.RLock()
	active := w.active
	w.mu.RUnlock()
	if active == nil {
		return []cache.Key{}, nil
	}
	return active.handle.Keys(ctx)
}

// Events returns the retained lifecycle events, oldest first.
func (w *Worker) Events() []Event {
	return w.events.list()
}

// Snapshot 汇总诊断信息。
type Snapshot struct {
	Scope      string            `json:"scope"`
	Domain     string            `json:"domain"`
	Origin     string            `json:"origin"`
	Configured string            `json:"configured_generation"`
	Active     string            `json:"active_generation,omitempty"`
	State      State             `json:"state"`
	Strategies map[string]string `json:"strategies"`
	Events     []Event           `json:"events"`
}

// Snapshot returns a point-in-time view of the worker.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	scope := w.scope
	state := w.state
	active := w.active
	w.mu.RUnlock()

	snap := Snapshot{
		Scope:      scope.Name,
		Domain:     scope.Domain,
		Origin:     scope.Origin,
		Configured: scope.Generation,
		State:      state,
		Events:     w.Events(),
	}
	if active != nil {
		snap.Active = active.tag
		snap.Strategies = active.dispatcher.Bindings()
	} else if d, err := NewDispatcher(scope.Strategies); err == nil {
		snap.Strategies = d.Bindings()
	}
	return snap
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) record(kind, tag string, err error) {
	ev := Event{Type: kind, Generation: tag, At: time.Now().UTC()}
	entry := w.logger.WithFields(logrus.Fields{
		"action":     "lifecycle",
		"event":      kind,
		"generation": tag,
	})
	if err != nil {
		ev.Error = err.Error()
		entry.WithError(err).Warn(kind)
	} else {
		entry.Info(kind)
	}
	w.events.add(ev)
}
