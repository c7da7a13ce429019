package framework

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const testTimeout = time.Second * 5

// fakeService is a scriptable mock service that runs in-process via PipeLauncher.
type fakeService struct {
	noReady          bool
	exitImmediately  error
	ignoreTerminate  bool
	replyTo          func(op servicedef.Envelope, w *servicedef.FrameWriter)
	emit             chan servicedef.Envelope
	emitRaw          chan string
	exit             chan struct{}
	release          chan struct{}
	received         chan servicedef.Envelope
	closeReleaseOnce sync.Once
}

func newFakeService(t *testing.T) *fakeService {
	f := &fakeService{
		emit:     make(chan servicedef.Envelope, 100),
		emitRaw:  make(chan string, 100),
		exit:     make(chan struct{}),
		release:  make(chan struct{}),
		received: make(chan servicedef.Envelope, 100),
	}
	t.Cleanup(func() { f.closeReleaseOnce.Do(func() { close(f.release) }) })
	return f
}

func defaultReply(op servicedef.Envelope) servicedef.Envelope {
	return servicedef.NewEnvelope(servicedef.NotificationReply, map[string]ldvalue.Value{
		servicedef.FieldReplyTo: op.Get(servicedef.FieldOpID),
		servicedef.FieldOp:      ldvalue.String(op.Type),
		servicedef.FieldTask:    op.Get(servicedef.FieldTask),
	})
}

func (f *fakeService) launcher() Launcher {
	return PipeLauncher{Serve: f.serve}
}

func (f *fakeService) serve(ctx context.Context, config servicedef.MockServiceConfig, in io.Reader, out io.Writer, logger Logger) error {
	if f.exitImmediately != nil {
		return f.exitImmediately
	}
	w := servicedef.NewFrameWriter(out)
	if !f.noReady {
		_ = w.Write(servicedef.NewEnvelope(servicedef.NotificationReady, map[string]ldvalue.Value{
			servicedef.FieldPort: ldvalue.Int(1234),
		}))
	}
	ops := make(chan servicedef.Envelope)
	go func() {
		defer close(ops)
		r := servicedef.NewFrameReader(in)
		for {
			e, err := r.Next()
			if err != nil {
				var de *servicedef.DecodeError
				if errors.As(err, &de) {
					continue
				}
				return
			}
			ops <- e
		}
	}()
	done := ctx.Done()
	for {
		select {
		case <-done:
			if !f.ignoreTerminate {
				return ctx.Err()
			}
			done = nil
		case op, ok := <-ops:
			if !ok {
				if f.ignoreTerminate {
					<-f.release
				}
				return nil
			}
			f.received <- op
			if op.Type == servicedef.OpShutdown {
				continue
			}
			if f.replyTo != nil {
				f.replyTo(op, w)
			} else {
				_ = w.Write(defaultReply(op))
			}
		case e := <-f.emit:
			_ = w.Write(e)
		case s := <-f.emitRaw:
			_, _ = out.Write([]byte(s))
		case <-f.exit:
			return errors.New("exited")
		case <-f.release:
			return nil
		}
	}
}

func tokenRequest(grantType string) servicedef.Envelope {
	return servicedef.NewEnvelope(servicedef.NotificationOAuth2TokenRequest, map[string]ldvalue.Value{
		servicedef.FieldGrantType: ldvalue.String(grantType),
	})
}

func gatewayConfig(name string) servicedef.MockServiceConfig {
	return servicedef.MockServiceConfig{Name: name, ServerType: servicedef.ServerTypeAPIGateway}
}

func spawnFake(t *testing.T, f *fakeService, opts ...Option) (*Orchestrator, *ProcessHandle) {
	o := NewOrchestrator(f.launcher(), opts...)
	t.Cleanup(func() { _ = o.ShutdownAll(context.Background()) })
	h, err := o.Spawn(context.Background(), gatewayConfig("svc"))
	require.NoError(t, err)
	return o, h
}

func requireStopped(t *testing.T, h *ProcessHandle) {
	select {
	case <-h.Done():
	case <-time.After(testTimeout):
		require.Fail(t, "timed out waiting for handle to stop")
	}
	require.Equal(t, ProcessStopped, h.State())
}

func ldvalueOptionalInt(n int) ldvalue.OptionalInt {
	return ldvalue.NewOptionalInt(n)
}
