package framework

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/hashicorp/go-multierror"
)

const (
	DefaultReadyTimeout  = time.Second * 10
	DefaultShutdownGrace = time.Second * 5
	DefaultKillWait      = time.Second * 2
)

// Orchestrator spawns processes, owns their handles, and shuts them down.
type Orchestrator struct {
	launcher      Launcher
	registry      *EventRegistry
	logger        Logger
	metrics       MetricsCollector
	readyTimeout  time.Duration
	shutdownGrace time.Duration
	killWait      time.Duration

	handles    []*ProcessHandle
	names      map[string]*ProcessHandle
	spawnCount int
	lock       sync.Mutex
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger. Each process logs through it with a "[id] " prefix.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(o *Orchestrator) {
		o.metrics = collector
	}
}

// WithReadyTimeout sets how long Spawn waits for a readiness signal, unless the service config
// overrides it.
func WithReadyTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.readyTimeout = timeout
	}
}

// WithShutdownGrace sets how long Shutdown waits for a voluntary exit before killing the process.
func WithShutdownGrace(grace time.Duration) Option {
	return func(o *Orchestrator) {
		o.shutdownGrace = grace
	}
}

// WithKillWait sets how long Shutdown waits for the exit to be confirmed after killing the
// process. After that the handle is marked Stopped anyway.
func WithKillWait(wait time.Duration) Option {
	return func(o *Orchestrator) {
		o.killWait = wait
	}
}

func NewOrchestrator(launcher Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		launcher:      launcher,
		logger:        NullLogger(),
		metrics:       NewNoopMetricsCollector(),
		readyTimeout:  DefaultReadyTimeout,
		shutdownGrace: DefaultShutdownGrace,
		killWait:      DefaultKillWait,
		names:         make(map[string]*ProcessHandle),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = NullLogger()
	}
	if o.metrics == nil {
		o.metrics = NewNoopMetricsCollector()
	}
	o.registry = NewEventRegistry(o.logger, o.metrics)
	return o
}

// Registry returns the EventRegistry for waiting on notifications from this orchestrator's
// processes.
func (o *Orchestrator) Registry() *EventRegistry {
	return o.registry
}

// Spawn starts a process and waits until it is ready.
//
// The config is copied, so later changes by the caller have no effect. Names must be unique
// among the live processes. If the process exits before signaling readiness, the result is a
// *SpawnError; if it does not signal in time, it is shut down and the result is a
// *StartupTimeoutError.
func (o *Orchestrator) Spawn(ctx context.Context, config servicedef.MockServiceConfig) (*ProcessHandle, error) {
	config = config.Clone()
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.ServerName == "" {
		config.ServerName = config.Name
	}
	if err := config.Validate(); err != nil {
		return nil, &SpawnError{Name: config.Name, Err: err}
	}

	o.lock.Lock()
	if _, exists := o.names[config.Name]; exists {
		o.lock.Unlock()
		return nil, &SpawnError{Name: config.Name, Err: errors.New("a process with this name is already running")}
	}
	o.names[config.Name] = nil // reserved until the launch succeeds
	o.spawnCount++
	id := ProcessID(fmt.Sprintf("%s-%d", config.Name, o.spawnCount))
	o.lock.Unlock()

	logger := PrefixLogger(o.logger, "["+string(id)+"] ")
	conn, err := o.launcher.Launch(ctx, config, logger)
	if err != nil {
		o.lock.Lock()
		delete(o.names, config.Name)
		o.lock.Unlock()
		return nil, &SpawnError{Name: config.Name, Err: err}
	}
	if pid := conn.PID(); pid != 0 {
		logger.Printf("Started with pid %d", pid)
	}

	h := newProcessHandle(id, config, conn, logger, o.metrics)
	o.lock.Lock()
	o.names[config.Name] = h
	o.handles = append(o.handles, h)
	o.lock.Unlock()
	o.metrics.ProcessStateTransition(id, ProcessStopped, ProcessStarting)
	h.start()

	readyTimeout := o.readyTimeout
	if config.ReadyTimeoutMS.IsDefined() {
		readyTimeout = time.Duration(config.ReadyTimeoutMS.IntValue()) * time.Millisecond
	}
	if err := h.AwaitReady(ctx, readyTimeout); err != nil {
		_ = o.Shutdown(context.Background(), h)
		if errors.Is(err, ErrProcessTerminated) {
			return nil, &SpawnError{Name: config.Name, Err: err}
		}
		return nil, err
	}
	logger.Printf("Ready at %s", h.BaseURL())
	return h, nil
}

// Shutdown stops a process: it sends a shutdown operation, closes the process's input, and asks
// it to terminate. If the process has not exited after the grace period (or when ctx is done), it
// is killed. The handle always reaches Stopped before Shutdown returns.
//
// Calling Shutdown on a handle that is already stopping or stopped just waits for it.
func (o *Orchestrator) Shutdown(ctx context.Context, h *ProcessHandle) error {
	defer o.forget(h)

	if !h.setState(ProcessStopping) {
		select {
		case <-h.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	startTime := time.Now()
	go func() {
		// A process that has stopped reading could block this write, so it must not hold up the
		// rest of the shutdown.
		_ = h.Send(servicedef.ShutdownOperation())
		_ = h.conn.CloseInput()
	}()
	if err := h.conn.Terminate(); err != nil {
		h.logger.Printf("Terminate request failed: %s", err)
	}

	var result error
	forced := false
	grace := time.NewTimer(o.shutdownGrace)
	defer grace.Stop()
	select {
	case <-h.Done():
	case <-grace.C:
		h.logger.Printf("Did not exit within %s; killing", o.shutdownGrace)
		forced = true
	case <-ctx.Done():
		result = ctx.Err()
		forced = true
	}

	if forced {
		if err := h.conn.Kill(); err != nil {
			h.logger.Printf("Kill failed: %s", err)
			result = multierror.Append(result, err).ErrorOrNil()
		}
		killWait := time.NewTimer(o.killWait)
		defer killWait.Stop()
		select {
		case <-h.Done():
		case <-killWait.C:
			h.logger.Printf("Exit not confirmed %s after kill; abandoning process", o.killWait)
			h.markStopped(errors.New("process did not exit after being killed"))
		}
	}

	o.metrics.ShutdownDuration(h.id, time.Since(startTime), forced)
	return result
}

// ShutdownAll shuts down every live process, most recently spawned first. It can be called more
// than once; processes that were already stopped are skipped.
func (o *Orchestrator) ShutdownAll(ctx context.Context) error {
	handles := o.Handles()
	var result *multierror.Error
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if err := o.Shutdown(ctx, h); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", h.id, err))
		}
	}
	return result.ErrorOrNil()
}

// Handles returns the live handles in spawn order.
func (o *Orchestrator) Handles() []*ProcessHandle {
	o.lock.Lock()
	defer o.lock.Unlock()
	return append([]*ProcessHandle(nil), o.handles...)
}

// Lookup returns the live handle with the given config name.
func (o *Orchestrator) Lookup(name string) (*ProcessHandle, bool) {
	o.lock.Lock()
	defer o.lock.Unlock()
	h := o.names[name]
	return h, h != nil
}

func (o *Orchestrator) forget(h *ProcessHandle) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if o.names[h.config.Name] == h {
		delete(o.names, h.config.Name)
	}
	for i, x := range o.handles {
		if x == h {
			o.handles = append(o.handles[:i], o.handles[i+1:]...)
			break
		}
	}
}
