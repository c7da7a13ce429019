package scenario

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/mockservice"
	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTestLogger struct {
	debugOutput map[string]framework.CapturedOutput
	skipped     map[string]string
	lock        sync.Mutex
}

func newRecordingTestLogger() *recordingTestLogger {
	return &recordingTestLogger{
		debugOutput: make(map[string]framework.CapturedOutput),
		skipped:     make(map[string]string),
	}
}

func (r *recordingTestLogger) TestStarted(framework.TestID)      {}
func (r *recordingTestLogger) TestError(framework.TestID, error) {}

func (r *recordingTestLogger) TestFinished(id framework.TestID, failed bool, debugOutput framework.CapturedOutput) {
	r.lock.Lock()
	r.debugOutput[id.String()] = debugOutput
	r.lock.Unlock()
}

func (r *recordingTestLogger) TestSkipped(id framework.TestID, reason string) {
	r.lock.Lock()
	r.skipped[id.String()] = reason
	r.lock.Unlock()
}

func (r *recordingTestLogger) debugText(id string) string {
	r.lock.Lock()
	defer r.lock.Unlock()
	var lines []string
	for _, m := range r.debugOutput[id] {
		lines = append(lines, m.Message)
	}
	return strings.Join(lines, "\n")
}

func newTestEnvironment(t *testing.T) *Environment {
	router := NewDebugRouter(nil)
	o := framework.NewOrchestrator(
		framework.PipeLauncher{Serve: mockservice.Serve},
		framework.WithLogger(router),
	)
	t.Cleanup(func() { _ = o.ShutdownAll(context.Background()) })
	return &Environment{
		Orchestrator:     o,
		OperationTimeout: time.Second * 5,
		EventTimeout:     time.Second * 5,
		Router:           router,
	}
}

func gatewayConfig(name string) servicedef.MockServiceConfig {
	return servicedef.MockServiceConfig{Name: name, ServerType: servicedef.ServerTypeAPIGateway}
}

func identityConfig(name string) servicedef.MockServiceConfig {
	return servicedef.MockServiceConfig{Name: name, ServerType: servicedef.ServerTypeIdentity}
}

func requireOK(t *testing.T, results framework.Results) {
	for _, f := range results.Failures {
		for _, err := range f.Errors {
			t.Errorf("[%s] %s", f.TestID, err)
		}
	}
	require.True(t, results.OK())
}

func failedTests(results framework.Results) []string {
	var ret []string
	for _, f := range results.Failures {
		ret = append(ret, f.TestID.String())
	}
	return ret
}

func tokenForm(grantType string) string {
	return url.Values{"grant_type": {grantType}, "client_id": {"abc"}}.Encode()
}

var formHeaders = map[string]string{"Content-Type": "application/x-www-form-urlencoded"}

func TestPushedDataReflectsConfiguredEndpoint(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		st.Send(gw, servicedef.SetEndpointOperation(servicedef.EndpointConfig{
			Method:     "PUT",
			Path:       "/data",
			StatusCode: 204,
		}))
		pushed := st.Expect(gw, servicedef.NotificationPushedData, nil)
		n := st.AwaitAfter(st.RequestAction("PUT", gw.BaseURL()+"/data", 204, `{"value":1}`, nil), pushed)
		require.Len(st, n, 1)
		assert.Equal(st, 204, n[0].Get(servicedef.FieldStatusCode).IntValue())
		assert.Equal(st, "/data", n[0].Get(servicedef.FieldPath).StringValue())
		assert.Equal(st, gw, pushed.Source())
	})
	requireOK(t, results)
}

func TestConcurrentTokenRequestsResolveInEitherOrder(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		identity := st.Spawn(identityConfig("identity"))
		tokenURL := identity.BaseURL() + mockservice.TokenPath

		for _, order := range [][]string{{"authorization", "refresh_token"}, {"refresh_token", "authorization"}} {
			order := order
			st.Run(strings.Join(order, " then "), func(st *T) {
				auth := st.Expect(identity, servicedef.NotificationOAuth2TokenRequest,
					framework.PredicateOf(map[string]interface{}{"grant_type": "authorization"}))
				refresh := st.Expect(identity, servicedef.NotificationOAuth2TokenRequest,
					framework.PredicateOf(map[string]interface{}{"grant_type": "refresh_token"}))
				n := st.AwaitAfter(func() error {
					for _, grantType := range order {
						if _, err := st.TryRequest("POST", tokenURL, 200, tokenForm(grantType), formHeaders); err != nil {
							return err
						}
					}
					return nil
				}, auth, refresh)
				assert.Equal(st, "authorization", n[0].Get(servicedef.FieldGrantType).StringValue())
				assert.Equal(st, "refresh_token", n[1].Get(servicedef.FieldGrantType).StringValue())
			})
		}
	})
	requireOK(t, results)
}

func TestRemoveTaskTwiceSucceeds(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		task := st.Send(gw, servicedef.AddTaskOperation()).Get(servicedef.FieldTask).StringValue()
		require.NotEqual(st, "", task)
		assert.True(st, st.Send(gw, servicedef.RemoveTaskOperation(task)).Get(servicedef.FieldRemoved).BoolValue())
		assert.False(st, st.Send(gw, servicedef.RemoveTaskOperation(task)).Get(servicedef.FieldRemoved).BoolValue())
	})
	requireOK(t, results)
}

func TestExpectationTimeoutFailsOnlyThatTest(t *testing.T) {
	env := newTestEnvironment(t)
	env.EventTimeout = time.Millisecond * 100
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		st.Run("times out", func(st *T) {
			st.Expect(gw, servicedef.NotificationPushedData, nil).Require()
			st.Errorf("should not get here")
		})
		st.Run("still works", func(st *T) {
			st.Send(gw, servicedef.AddTaskOperation())
		})
		assert.Equal(st, 0, st.Registry().PendingCount(gw))
	})
	assert.Equal(t, []string{"times out"}, failedTests(results))
	require.Len(t, results.Failures[0].Errors, 1)
	assert.Contains(t, results.Failures[0].Errors[0].Error(), "timed out")
}

func TestAwaitAfterFailsIfActionFails(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		st.Run("bad status", func(st *T) {
			pushed := st.Expect(gw, servicedef.NotificationPushedData, nil)
			start := time.Now()
			defer func() {
				assert.Less(st, time.Since(start), time.Second*4)
			}()
			st.AwaitAfter(st.PostAction(gw.BaseURL()+"/nothing", 201, nil, nil), pushed)
		})
	})
	assert.Equal(t, []string{"bad status"}, failedTests(results))
	require.NotEmpty(t, results.Failures[0].Errors)
	assert.Contains(t, results.Failures[0].Errors[0].Error(), "returned status 404, expected 201")
}

func TestSendFailureFailsTest(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		st.Run("unknown operation", func(st *T) {
			st.Send(gw, servicedef.NewEnvelope("explode", nil))
		})
		st.Run("try send", func(st *T) {
			_, err := st.TrySend(gw, servicedef.NewEnvelope("explode", nil))
			assert.ErrorIs(st, err, framework.ErrOperationFailed)
		})
	})
	assert.Equal(t, []string{"unknown operation"}, failedTests(results))
}

func TestSpawnedProcessesStopWhenTestEnds(t *testing.T) {
	env := newTestEnvironment(t)
	var inner, outer *framework.ProcessHandle
	results := RunSuite(env, nil, nil, func(st *T) {
		outer = st.Spawn(gatewayConfig("outer"))
		st.Run("inner", func(st *T) {
			inner = st.Spawn(gatewayConfig("inner"))
			assert.Equal(st, inner, st.Handle("inner"))
		})
		require.NotNil(st, inner)
		assert.Equal(st, framework.ProcessStopped, inner.State())
		assert.Equal(st, framework.ProcessReady, outer.State())
		_, running := st.Orchestrator().Lookup("inner")
		assert.False(st, running)
	})
	requireOK(t, results)
	assert.Equal(t, framework.ProcessStopped, outer.State())
}

func TestProcessOutputGoesToCurrentTestDebugOutput(t *testing.T) {
	env := newTestEnvironment(t)
	testLogger := newRecordingTestLogger()
	results := RunSuite(env, nil, testLogger, func(st *T) {
		st.Run("first", func(st *T) {
			st.Spawn(gatewayConfig("first"))
		})
		st.Run("second", func(st *T) {
			st.Debug("nothing spawned here")
		})
	})
	requireOK(t, results)
	assert.Contains(t, testLogger.debugText("first"), "[first-1] Ready at")
	assert.NotContains(t, testLogger.debugText("second"), "first-1")
	assert.Contains(t, testLogger.debugText("second"), "nothing spawned here")
}

func TestExpectAnyResolvesFromEitherProcess(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		a := st.Spawn(gatewayConfig("a"))
		b := st.Spawn(gatewayConfig("b"))
		for _, h := range []*framework.ProcessHandle{a, b} {
			st.Send(h, servicedef.SetEndpointOperation(servicedef.EndpointConfig{Method: "POST", Path: "/x", StatusCode: 202}))
		}
		exp := st.ExpectAny([]*framework.ProcessHandle{a, b}, servicedef.NotificationPushedData, nil)
		st.AwaitAfter(st.PostAction(b.BaseURL()+"/x", 202, map[string]string{"k": "v"}, nil), exp)
		assert.Equal(st, b, exp.Source())
		assert.Eventually(st, func() bool { return st.Registry().PendingCount(a) == 0 }, time.Second, time.Millisecond*10)
	})
	requireOK(t, results)
}

func TestConcurrentlyJoinsSteps(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		var tasks []string
		var lock sync.Mutex
		collect := func(reply servicedef.Envelope) {
			lock.Lock()
			tasks = append(tasks, reply.Get(servicedef.FieldTask).StringValue())
			lock.Unlock()
		}
		st.Concurrently(
			st.SendAction(gw, servicedef.AddTaskOperation(), collect),
			st.SendAction(gw, servicedef.AddTaskOperation(), collect),
			st.SendAction(gw, servicedef.AddTaskOperation(), collect),
		)
		require.Len(st, tasks, 3)
		assert.NotEqual(st, tasks[0], tasks[1])
		assert.NotEqual(st, tasks[1], tasks[2])

		st.Run("failing step", func(st *T) {
			st.Concurrently(
				st.SendAction(gw, servicedef.AddTaskOperation(), nil),
				func() error { return fmt.Errorf("step failed") },
			)
		})
	})
	assert.Equal(t, []string{"failing step"}, failedTests(results))
}

func TestCancelledExpectationIsRemoved(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		exp := st.Expect(gw, servicedef.NotificationPushedData, nil)
		assert.Equal(st, 1, st.Registry().PendingCount(gw))
		exp.Cancel()
		assert.Equal(st, 0, st.Registry().PendingCount(gw))
		_, err := exp.Await()
		assert.ErrorIs(st, err, framework.ErrWaitCancelled)
	})
	requireOK(t, results)
}

func TestDeferredFunctionsAndSkip(t *testing.T) {
	env := newTestEnvironment(t)
	testLogger := newRecordingTestLogger()
	var order []string
	results := RunSuite(env, nil, testLogger, func(st *T) {
		st.Run("deferred", func(st *T) {
			st.Defer(func() { order = append(order, "first") })
			st.Defer(func() { order = append(order, "second") })
		})
		st.Run("skipped", func(st *T) {
			st.Skip("not applicable")
		})
	})
	requireOK(t, results)
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, "not applicable", testLogger.skipped["skipped"])
}

func TestRequestSendsJSONBody(t *testing.T) {
	env := newTestEnvironment(t)
	results := RunSuite(env, nil, nil, func(st *T) {
		gw := st.Spawn(gatewayConfig("gateway"))
		st.Send(gw, servicedef.SetEndpointOperation(servicedef.EndpointConfig{
			Method: "POST", Path: "/registration", StatusCode: http.StatusCreated, Body: `{"id":"x"}`,
		}))
		pushed := st.Expect(gw, servicedef.NotificationPushedData, nil)
		body := st.RequirePost(gw.BaseURL()+"/registration", http.StatusCreated, map[string]interface{}{"code": "c"}, nil)
		assert.JSONEq(st, `{"id":"x"}`, string(body))
		n := pushed.Require()
		assert.JSONEq(st, `{"code":"c"}`, n.Get(servicedef.FieldBody).StringValue())
	})
	requireOK(t, results)
}
