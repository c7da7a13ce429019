package mockservice

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// apiGateway returns canned responses that are configured with "setEndpoint" operations, keyed by
// method and path. A later setEndpoint for the same key replaces the earlier one. Each request
// that matches an endpoint is reported with a "pushedData" notification; any other request gets
// a 404 and an "unmatchedRequest" notification.
//
// The "endpoints" behavior property can list endpoints to configure at startup, in the same
// form as a setEndpoint operation.
type apiGateway struct {
	notify    notifier
	logger    framework.Logger
	endpoints map[string]servicedef.EndpointConfig
	lock      sync.Mutex
}

func newAPIGateway(config servicedef.MockServiceConfig, notify notifier, logger framework.Logger) (*apiGateway, error) {
	g := &apiGateway{
		notify:    notify,
		logger:    logger,
		endpoints: make(map[string]servicedef.EndpointConfig),
	}
	seeded := config.Behavior.GetByKey("endpoints")
	for i := 0; i < seeded.Count(); i++ {
		item := seeded.GetByIndex(i)
		fields := make(map[string]ldvalue.Value)
		for _, k := range item.Keys() {
			fields[k] = item.GetByKey(k)
		}
		e, err := servicedef.EndpointConfigFromOperation(servicedef.NewEnvelope(servicedef.OpSetEndpoint, fields))
		if err != nil {
			return nil, err
		}
		g.endpoints[e.Key()] = e
	}
	return g, nil
}

func (g *apiGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			g.logger.Printf("Unexpected error trying to read request body: %s", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body = data
	}

	g.lock.Lock()
	e, ok := g.endpoints[strings.ToUpper(r.Method)+" "+r.URL.Path]
	g.lock.Unlock()

	fields := requestFields(r)
	if !ok {
		g.logger.Printf("Received request for unconfigured endpoint %s %s", r.Method, r.URL.Path)
		g.notify(servicedef.NotificationUnmatchedRequest, fields)
		httphelpers.HandlerWithStatus(http.StatusNotFound).ServeHTTP(w, r)
		return
	}

	fields[servicedef.FieldStatusCode] = ldvalue.Int(e.StatusCode)
	fields[servicedef.FieldBody] = ldvalue.String(string(body))
	g.notify(servicedef.NotificationPushedData, fields)

	headers := make(http.Header)
	for k, v := range e.Headers {
		headers.Set(k, v)
	}
	var responseBody []byte
	if e.Body != "" {
		responseBody = []byte(e.Body)
	}
	httphelpers.HandlerWithResponse(e.StatusCode, headers, responseBody).ServeHTTP(w, r)
}

func (g *apiGateway) applyOperation(op servicedef.Envelope) (map[string]ldvalue.Value, bool, error) {
	if op.Type != servicedef.OpSetEndpoint {
		return nil, false, nil
	}
	e, err := servicedef.EndpointConfigFromOperation(op)
	if err != nil {
		return nil, true, err
	}
	g.lock.Lock()
	g.endpoints[e.Key()] = e
	g.lock.Unlock()
	g.logger.Printf("Endpoint %s now returns %d", e.Key(), e.StatusCode)
	return nil, true, nil
}
