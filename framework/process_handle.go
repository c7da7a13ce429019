package framework

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/launchdarkly/mock-service-harness/servicedef"
)

// ProcessID identifies one spawned process for the lifetime of an Orchestrator.
type ProcessID string

// ProcessState represents the lifecycle state of a process
type ProcessState int

const (
	// ProcessStarting means the process has been launched but has not yet signaled readiness
	ProcessStarting ProcessState = iota
	// ProcessReady means the process is accepting operations
	ProcessReady
	// ProcessStopping means a shutdown has been requested
	ProcessStopping
	// ProcessStopped means the process has exited (terminal)
	ProcessStopped
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStarting:
		return "Starting"
	case ProcessReady:
		return "Ready"
	case ProcessStopping:
		return "Stopping"
	case ProcessStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ProcessHandle is the harness-side proxy for one spawned process and its channel.
//
// A single goroutine reads every frame the process writes. Readiness signals drive the
// lifecycle, replies resolve the operation in flight (see SendOperation), and all other
// notifications are offered to the pending waiters of the EventRegistry and then to every
// NotificationStream.
type ProcessHandle struct {
	id      ProcessID
	config  servicedef.MockServiceConfig
	conn    ProcessConn
	writer  *servicedef.FrameWriter
	logger  Logger
	metrics MetricsCollector
	waiters *waiterList

	state       ProcessState
	port        int
	exitErr     error
	subscribers map[*NotificationStream]struct{}
	lastOpID    int
	pending     *pendingOperation
	lock        sync.Mutex

	opSlot    chan struct{}
	readyCh   chan struct{}
	readyOnce sync.Once
	stoppedCh chan struct{}
	stopOnce  sync.Once
}

func newProcessHandle(
	id ProcessID,
	config servicedef.MockServiceConfig,
	conn ProcessConn,
	logger Logger,
	metrics MetricsCollector,
) *ProcessHandle {
	if logger == nil {
		logger = NullLogger()
	}
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	return &ProcessHandle{
		id:          id,
		config:      config,
		conn:        conn,
		writer:      servicedef.NewFrameWriter(conn),
		logger:      logger,
		metrics:     metrics,
		waiters:     &waiterList{},
		state:       ProcessStarting,
		port:        config.Port,
		subscribers: make(map[*NotificationStream]struct{}),
		opSlot:      make(chan struct{}, 1),
		readyCh:     make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

func (h *ProcessHandle) start() {
	go h.readLoop()
}

func (h *ProcessHandle) ID() ProcessID { return h.id }

// Config returns the configuration the process was spawned with.
func (h *ProcessHandle) Config() servicedef.MockServiceConfig { return h.config.Clone() }

func (h *ProcessHandle) State() ProcessState {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.state
}

// Port returns the port reported by the process's readiness signal, or the configured port if
// it did not report one.
func (h *ProcessHandle) Port() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.port
}

// BaseURL returns the HTTP base URL of the process's listener.
func (h *ProcessHandle) BaseURL() string {
	return h.config.BaseURL(h.Port())
}

// Done returns a channel that is closed once the handle is Stopped.
func (h *ProcessHandle) Done() <-chan struct{} { return h.stoppedCh }

// ExitError returns the error the process exited with, if any. It is only meaningful once the
// handle is Stopped.
func (h *ProcessHandle) ExitError() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.exitErr
}

// Send writes an envelope to the process without waiting for anything.
func (h *ProcessHandle) Send(e servicedef.Envelope) error {
	if h.State() == ProcessStopped {
		return h.terminatedError()
	}
	h.logger.Printf("Sending %s", e)
	return h.writer.Write(e)
}

// AwaitReady blocks until the process has signaled that it is ready.
func (h *ProcessHandle) AwaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-h.readyCh:
		return nil
	case <-h.stoppedCh:
		return h.terminatedError()
	case <-deadline.C:
		return &StartupTimeoutError{Process: h.id, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notifications returns a stream of every notification received from now on, including replies.
// The caller should Close it when no longer needed.
func (h *ProcessHandle) Notifications() *NotificationStream {
	s := &NotificationStream{handle: h, signal: make(chan struct{}, 1)}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.state == ProcessStopped {
		s.endErr = &ProcessTerminatedError{Process: h.id, ExitErr: h.exitErr}
		return s
	}
	h.subscribers[s] = struct{}{}
	return s
}

func (h *ProcessHandle) terminatedError() error {
	return &ProcessTerminatedError{Process: h.id, ExitErr: h.ExitError()}
}

func (h *ProcessHandle) setState(to ProcessState) bool {
	h.lock.Lock()
	from := h.state
	if from == to || from == ProcessStopped || to < from {
		h.lock.Unlock()
		return false
	}
	h.state = to
	h.lock.Unlock()
	h.metrics.ProcessStateTransition(h.id, from, to)
	h.logger.Printf("State %s -> %s", from, to)
	return true
}

func (h *ProcessHandle) readLoop() {
	reader := servicedef.NewFrameReader(h.conn)
	var readErr error
	for {
		e, err := reader.Next()
		if err != nil {
			var de *servicedef.DecodeError
			if errors.As(err, &de) {
				h.logger.Printf("Dropped malformed frame: %s", de)
				h.metrics.FrameDropped(h.id)
				continue
			}
			if err != io.EOF {
				readErr = err
			}
			break
		}
		h.dispatch(e)
	}
	exitErr := h.conn.Wait()
	if exitErr == nil && readErr != nil {
		h.logger.Printf("Output stream failed: %s", readErr)
	}
	h.markStopped(exitErr)
}

func (h *ProcessHandle) dispatch(e servicedef.Envelope) {
	h.publish(e)
	switch e.Type {
	case servicedef.NotificationReady:
		h.lock.Lock()
		if port := e.Get(servicedef.FieldPort); port.IsNumber() && port.IntValue() != 0 {
			h.port = port.IntValue()
		}
		h.lock.Unlock()
		if h.setState(ProcessReady) {
			h.readyOnce.Do(func() { close(h.readyCh) })
		} else {
			h.logger.Printf("Ignoring readiness signal in state %s", h.State())
		}
	case servicedef.NotificationReply:
		h.resolveReply(e)
	default:
		h.logger.Printf("Received %s", e)
		if w := h.waiters.dispatch(e, h); w != nil {
			w.delivered(h)
		}
	}
}

func (h *ProcessHandle) publish(e servicedef.Envelope) {
	h.lock.Lock()
	subs := make([]*NotificationStream, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.lock.Unlock()
	for _, s := range subs {
		s.push(e)
	}
}

// markStopped moves the handle to its terminal state and fails everything still pending on it.
func (h *ProcessHandle) markStopped(exitErr error) {
	h.stopOnce.Do(func() {
		h.lock.Lock()
		from := h.state
		h.state = ProcessStopped
		h.exitErr = exitErr
		termErr := &ProcessTerminatedError{Process: h.id, ExitErr: exitErr}
		if p := h.pending; p != nil {
			h.pending = nil
			p.result <- operationResult{err: termErr}
		}
		subs := h.subscribers
		h.subscribers = nil
		h.lock.Unlock()

		for _, w := range h.waiters.close() {
			w.handleStopped(h, termErr)
		}
		for s := range subs {
			s.end(termErr)
		}
		h.metrics.ProcessStateTransition(h.id, from, ProcessStopped)
		if exitErr != nil {
			h.logger.Printf("State %s -> %s (%s)", from, ProcessStopped, exitErr)
		} else {
			h.logger.Printf("State %s -> %s", from, ProcessStopped)
		}
		close(h.stoppedCh)
	})
}

// ErrStreamClosed is returned by NotificationStream.Next after Close.
var ErrStreamClosed = errors.New("notification stream closed")

// NotificationStream is an unbounded queue of the notifications received by one handle after the
// stream was created.
type NotificationStream struct {
	handle *ProcessHandle
	queue  []servicedef.Envelope
	signal chan struct{}
	endErr error
	lock   sync.Mutex
}

func (s *NotificationStream) push(e servicedef.Envelope) {
	s.lock.Lock()
	if s.endErr == nil {
		s.queue = append(s.queue, e)
	}
	s.lock.Unlock()
	s.wake()
}

func (s *NotificationStream) end(err error) {
	s.lock.Lock()
	if s.endErr == nil {
		s.endErr = err
	}
	s.lock.Unlock()
	s.wake()
}

func (s *NotificationStream) wake() {
	select { // non-blocking, one pending signal is enough
	case s.signal <- struct{}{}:
	default:
	}
}

// Next returns the next notification, blocking until one arrives. Once the process has stopped
// and every queued notification has been returned, it returns a *ProcessTerminatedError.
func (s *NotificationStream) Next(ctx context.Context) (servicedef.Envelope, error) {
	for {
		s.lock.Lock()
		if len(s.queue) != 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.lock.Unlock()
			return e, nil
		}
		endErr := s.endErr
		s.lock.Unlock()
		if endErr != nil {
			return servicedef.Envelope{}, endErr
		}
		select {
		case <-s.signal:
		case <-ctx.Done():
			return servicedef.Envelope{}, ctx.Err()
		}
	}
}

// Close unsubscribes the stream. Anything not yet read is discarded.
func (s *NotificationStream) Close() {
	s.handle.lock.Lock()
	if s.handle.subscribers != nil {
		delete(s.handle.subscribers, s)
	}
	s.handle.lock.Unlock()
	s.lock.Lock()
	s.queue = nil
	if s.endErr == nil {
		s.endErr = ErrStreamClosed
	}
	s.lock.Unlock()
	s.wake()
}
