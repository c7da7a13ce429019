package fullcycle

import (
	"net/http"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/scenario"
	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

type suite struct {
	params       Params
	identity     *framework.ProcessHandle
	gateway      *framework.ProcessHandle
	sut          *framework.ProcessHandle
	sutURL       string
	registration RegistrationRequest
}

// RunTestSuite spawns the processes described by params.Suite and runs the full-cycle scenarios
// against them. The processes are shut down before it returns.
func RunTestSuite(
	env *scenario.Environment,
	params Params,
	filter framework.Filter,
	testLogger framework.TestLogger,
) framework.Results {
	return scenario.RunSuite(env, filter, testLogger, func(t *scenario.T) {
		s := setUpSuite(t, params)

		s.run(t, "full cycle registration - register and push data", s.registerAndPushData)
		s.run(t, "full cycle registration - access token exchange", s.accessTokenExchange)
		s.run(t, "registered tile can be found", s.registeredTileCanBeFound)
		s.run(t, "tile is deleted if gateway returns 410", s.tileDeletedWhenGone)
	})
}

func setUpSuite(t *scenario.T, params Params) *suite {
	s := &suite{params: params}
	s.identity = t.Spawn(requireService(t, params.Suite, IdentityServiceName))
	s.gateway = t.Spawn(requireService(t, params.Suite, GatewayServiceName))
	s.sut = t.Spawn(requireService(t, params.Suite, SUTServiceName))

	s.sutURL = params.SUTURL
	if s.sutURL == "" {
		s.sutURL = s.sut.BaseURL()
	}
	s.registration = newRegistrationRequest(params.ClientSecret, s.gateway.BaseURL())

	t.Send(s.sut, servicedef.SetEnvOperation(map[string]string{
		IdentityServerURLEnvVar: s.identity.BaseURL(),
		LogLevelEnvVar:          "DEBUG",
	}))
	t.Send(s.gateway, servicedef.SetEndpointOperation(dataPushEndpoint(http.StatusNoContent)))
	return s
}

func requireService(t *scenario.T, config servicedef.SuiteConfig, name string) servicedef.MockServiceConfig {
	c, ok := config.Service(name)
	require.True(t, ok, "suite config has no service named %q", name)
	return c
}

func dataPushEndpoint(status int) servicedef.EndpointConfig {
	return servicedef.EndpointConfig{
		Method:     http.MethodPut,
		Path:       DataPath,
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// run runs a scenario after clearing any instances registered by earlier ones.
func (s *suite) run(t *scenario.T, name string, action func(*scenario.T)) {
	t.Run(name, func(t *scenario.T) {
		t.Send(s.sut, servicedef.ClearInstancesOperation())
		action(t)
	})
}

func (s *suite) authHeaders() map[string]string {
	return map[string]string{"Authorization": MakeBasicAuth(s.params.ClientID, s.params.ClientSecret)}
}

// addTask starts a data push task in the system under test, to be removed at the end of the test.
func (s *suite) addTask(t *scenario.T) string {
	reply := t.Send(s.sut, servicedef.AddTaskOperation())
	return s.deferRemoveTask(t, reply)
}

func (s *suite) deferRemoveTask(t *scenario.T, addTaskReply servicedef.Envelope) string {
	task := addTaskReply.Get(servicedef.FieldTask).StringValue()
	require.NotEqual(t, "", task, "addTask reply had no task key")
	t.Defer(func() {
		if _, err := t.TrySend(s.sut, servicedef.RemoveTaskOperation(task)); err != nil {
			t.Errorf("could not remove task %s: %s", task, err)
		}
	})
	return task
}

// setDataPushStatus changes the gateway's response to data pushes until the end of the test.
func (s *suite) setDataPushStatus(t *scenario.T, status int) {
	t.Send(s.gateway, servicedef.SetEndpointOperation(dataPushEndpoint(status)))
	t.Defer(func() {
		_, _ = t.TrySend(s.gateway, servicedef.SetEndpointOperation(dataPushEndpoint(http.StatusNoContent)))
	})
}

// registerTile registers the tile and returns the instance ID from the response.
func (s *suite) registerTile(t *scenario.T) string {
	body := t.RequirePost(s.sutURL+RegistrationPath, http.StatusCreated, s.registration, s.authHeaders())
	id := ldvalue.Parse(body).GetByKey("id").StringValue()
	require.NotEqual(t, "", id, "registration response had no id: %s", body)
	return id
}

func (s *suite) findTile(t *scenario.T, id string) ldvalue.Value {
	return t.Send(s.sut, servicedef.FindTileOperation(id)).Get(servicedef.FieldTile)
}

func (s *suite) registerAndPushData(t *scenario.T) {
	s.addTask(t)

	pushed := t.Expect(s.sut, servicedef.NotificationPushedData, nil)
	n := t.AwaitAfter(
		t.PostAction(s.sutURL+RegistrationPath, http.StatusCreated, s.registration, s.authHeaders()),
		pushed,
	)
	assert.Equal(t, http.StatusNoContent, n[0].Get(servicedef.FieldStatusCode).IntValue(),
		"expected data push to be successful")
}

func (s *suite) accessTokenExchange(t *scenario.T) {
	s.setDataPushStatus(t, http.StatusUnauthorized)
	s.addTask(t)

	authorization := t.Expect(s.identity, servicedef.NotificationOAuth2TokenRequest,
		framework.PredicateOf(map[string]interface{}{servicedef.FieldGrantType: "authorization"}))
	refresh := t.Expect(s.identity, servicedef.NotificationOAuth2TokenRequest,
		framework.PredicateOf(map[string]interface{}{servicedef.FieldGrantType: "refresh_token"}))
	t.AwaitAfter(
		t.PostAction(s.sutURL+RegistrationPath, http.StatusCreated, s.registration, s.authHeaders()),
		authorization, refresh,
	)

	pushed := t.Expect(s.sut, servicedef.NotificationPushedData,
		framework.PredicateOf(map[string]interface{}{servicedef.FieldStatusCode: http.StatusNoContent}))
	t.AwaitAfter(
		t.SendAction(s.gateway, servicedef.SetEndpointOperation(dataPushEndpoint(http.StatusNoContent)), nil),
		pushed,
	)
}

func (s *suite) registeredTileCanBeFound(t *scenario.T) {
	id := s.registerTile(t)
	tile := s.findTile(t, id)
	require.False(t, tile.IsNull(), "expected tile to exist for ID %s", id)
	t.Debug("Found tile %s", tile.JSONString())
}

func (s *suite) tileDeletedWhenGone(t *scenario.T) {
	s.setDataPushStatus(t, http.StatusGone)

	id := s.registerTile(t)
	require.False(t, s.findTile(t, id).IsNull(), "expected tile to exist for ID %s", id)

	pushed := t.Expect(s.sut, servicedef.NotificationPushedData, nil)
	var addTaskReply servicedef.Envelope
	t.AwaitAfter(
		t.SendAction(s.sut, servicedef.AddTaskOperation(), func(reply servicedef.Envelope) { addTaskReply = reply }),
		pushed,
	)
	s.deferRemoveTask(t, addTaskReply)

	tile := s.findTile(t, id)
	assert.True(t, tile.IsNull(), "expected tile to not exist after deletion for ID %s, got %s", id, tile.JSONString())
}
