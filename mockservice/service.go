package mockservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/google/uuid"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const shutdownTimeout = time.Second * 2

// behavior is the part of a mock service that differs between server types.
type behavior interface {
	http.Handler
	// applyOperation handles an operation that only this kind of service supports. It returns
	// false if op is not one of them.
	applyOperation(op servicedef.Envelope) (reply map[string]ldvalue.Value, handled bool, err error)
}

// notifier sends notifications to the harness.
type notifier func(messageType string, fields map[string]ldvalue.Value)

// Serve runs a mock service until ctx is cancelled, its input is closed, or it receives a
// shutdown operation. It has the signature of framework.ServeFunc, so it can be run in-process
// with framework.PipeLauncher as well as by the mockservice command.
//
// The service listens on config.Address() (port 0 picks a free port) and then writes a "ready"
// notification with the actual port. If it cannot listen, it returns an error without signaling
// readiness.
func Serve(
	ctx context.Context,
	config servicedef.MockServiceConfig,
	in io.Reader,
	out io.Writer,
	logger framework.Logger,
) error {
	if logger == nil {
		logger = framework.NullLogger()
	}
	s := &service{
		config: config,
		writer: servicedef.NewFrameWriter(out),
		logger: logger,
		state:  newServiceState(config.Behavior),
	}
	var err error
	switch config.ServerType {
	case servicedef.ServerTypeIdentity:
		s.behavior, err = newIdentityServer(config, s.notify, logger)
	case servicedef.ServerTypeAPIGateway:
		s.behavior, err = newAPIGateway(config, s.notify, logger)
	default:
		err = fmt.Errorf("server type %q is not a mock service", config.ServerType)
	}
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", config.Address())
	if err != nil {
		return err
	}
	server := &http.Server{Handler: s.behavior, ReadHeaderTimeout: time.Second * 10}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("HTTP server failed: %s", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	logger.Printf("%s (%s) listening on port %d", config.ServerName, config.ServerType, port)
	s.notify(servicedef.NotificationReady, map[string]ldvalue.Value{
		servicedef.FieldPort:       ldvalue.Int(port),
		servicedef.FieldServerName: ldvalue.String(config.ServerName),
		servicedef.FieldServerType: ldvalue.String(config.ServerType),
	})

	return s.processOperations(ctx, in)
}

type service struct {
	config   servicedef.MockServiceConfig
	writer   *servicedef.FrameWriter
	logger   framework.Logger
	behavior behavior
	state    *serviceState
}

func (s *service) notify(messageType string, fields map[string]ldvalue.Value) {
	if err := s.writer.Write(servicedef.NewEnvelope(messageType, fields)); err != nil {
		s.logger.Printf("Could not send %s notification: %s", messageType, err)
	}
}

func (s *service) processOperations(ctx context.Context, in io.Reader) error {
	ops := make(chan servicedef.Envelope)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(ops)
		reader := servicedef.NewFrameReader(in)
		for {
			op, err := reader.Next()
			if err != nil {
				var de *servicedef.DecodeError
				if errors.As(err, &de) {
					s.logger.Printf("Ignoring malformed operation: %s", de)
					continue
				}
				return
			}
			select {
			case ops <- op:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("Stopping: %s", ctx.Err())
			return nil
		case op, ok := <-ops:
			if !ok {
				s.logger.Printf("Input closed; stopping")
				return nil
			}
			if op.Type == servicedef.OpShutdown {
				s.logger.Printf("Received shutdown operation")
				return nil
			}
			s.handleOperation(op)
		}
	}
}

func (s *service) handleOperation(op servicedef.Envelope) {
	s.logger.Printf("Operation: %s", op)
	fields, handled, err := s.behavior.applyOperation(op)
	if !handled {
		fields, err = s.state.applyOperation(op)
	}
	reply := make(map[string]ldvalue.Value, len(fields)+3)
	for k, v := range fields {
		reply[k] = v
	}
	if op.Has(servicedef.FieldOpID) {
		reply[servicedef.FieldReplyTo] = op.Get(servicedef.FieldOpID)
	}
	reply[servicedef.FieldOp] = ldvalue.String(op.Type)
	if err != nil {
		reply[servicedef.FieldError] = ldvalue.String(err.Error())
	}
	s.notify(servicedef.NotificationReply, reply)
}

// errUnknownOperation is reported in the reply to any operation a service does not support.
var errUnknownOperation = errors.New("unknown operation")

// serviceState holds the state that every mock service keeps for the generic operations:
// environment settings, tasks, and tiles.
type serviceState struct {
	env   map[string]string
	tasks map[string]struct{}
	tiles map[string]ldvalue.Value
	lock  sync.Mutex
}

func newServiceState(behavior ldvalue.Value) *serviceState {
	st := &serviceState{
		env:   make(map[string]string),
		tasks: make(map[string]struct{}),
		tiles: make(map[string]ldvalue.Value),
	}
	tiles := behavior.GetByKey("tiles")
	for _, id := range tiles.Keys() {
		st.tiles[id] = tiles.GetByKey(id)
	}
	return st
}

func (st *serviceState) applyOperation(op servicedef.Envelope) (map[string]ldvalue.Value, error) {
	st.lock.Lock()
	defer st.lock.Unlock()
	switch op.Type {
	case servicedef.OpSetEnv:
		for k, v := range servicedef.StringMapFromValue(op.Get(servicedef.FieldEnv)) {
			st.env[k] = v
		}
		return nil, nil
	case servicedef.OpAddTask:
		task := uuid.NewString()
		st.tasks[task] = struct{}{}
		return map[string]ldvalue.Value{servicedef.FieldTask: ldvalue.String(task)}, nil
	case servicedef.OpRemoveTask:
		task := op.Get(servicedef.FieldTask)
		if task.Type() != ldvalue.StringType {
			return nil, fmt.Errorf("%s requires a %q string", op.Type, servicedef.FieldTask)
		}
		_, removed := st.tasks[task.StringValue()]
		delete(st.tasks, task.StringValue())
		return map[string]ldvalue.Value{servicedef.FieldRemoved: ldvalue.Bool(removed)}, nil
	case servicedef.OpClearInstances:
		cleared := len(st.tiles)
		st.tiles = make(map[string]ldvalue.Value)
		return map[string]ldvalue.Value{servicedef.FieldCleared: ldvalue.Int(cleared)}, nil
	case servicedef.OpFindTile:
		tile, ok := st.tiles[op.Get(servicedef.FieldID).StringValue()]
		if !ok {
			tile = ldvalue.Null()
		}
		return map[string]ldvalue.Value{servicedef.FieldTile: tile}, nil
	default:
		return nil, errUnknownOperation
	}
}

func requestFields(r *http.Request) map[string]ldvalue.Value {
	return map[string]ldvalue.Value{
		servicedef.FieldMethod: ldvalue.String(r.Method),
		servicedef.FieldPath:   ldvalue.String(r.URL.Path),
	}
}
