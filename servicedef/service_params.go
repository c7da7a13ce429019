package servicedef

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const (
	ServerTypeIdentity   = "identityServer"
	ServerTypeAPIGateway = "apiGateway"
	ServerTypeService    = "service"
)

const (
	OpSetEnv         = "setEnv"
	OpAddTask        = "addTask"
	OpRemoveTask     = "removeTask"
	OpSetEndpoint    = "setEndpoint"
	OpClearInstances = "clearInstances"
	OpFindTile       = "findTile"
	OpShutdown       = "shutdown"

	// OpSetTokenResponse is only supported by the identity server.
	OpSetTokenResponse = "setTokenResponse"
)

const (
	NotificationReady              = "ready"
	NotificationReply              = "reply"
	NotificationPushedData         = "pushedData"
	NotificationOAuth2TokenRequest = "oauth2TokenRequest"
	NotificationUnmatchedRequest   = "unmatchedRequest"
)

const (
	FieldType       = "type"
	FieldOpID       = "opId"
	FieldReplyTo    = "replyTo"
	FieldOp         = "op"
	FieldError      = "error"
	FieldEnv        = "env"
	FieldTask       = "task"
	FieldRemoved    = "removed"
	FieldCleared    = "cleared"
	FieldID         = "id"
	FieldTile       = "tile"
	FieldPort       = "port"
	FieldServerName = "serverName"
	FieldServerType = "serverType"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatusCode = "statusCode"
	FieldBody       = "body"
	FieldHeaders    = "headers"
	FieldGrantType  = "grant_type"
	FieldResponse   = "response"
)

// MockServiceConfig identifies one process for the orchestrator to spawn.
//
// ServerType selects the behavior of the mock service executable. For ServerTypeService, Command
// must be set; the process is then an arbitrary program (such as the system under test) that
// speaks the same protocol on its standard input and output.
type MockServiceConfig struct {
	Name       string        `json:"name"`
	Host       string        `json:"host,omitempty"`
	Port       int           `json:"port,omitempty"`
	ServerType string        `json:"serverType"`
	ServerName string        `json:"serverName,omitempty"`
	Behavior   ldvalue.Value `json:"behavior"`

	// Command, Env and ReadyTimeoutMS are only used by the harness and are not sent to the process.
	Command        []string            `json:"-"`
	Env            map[string]string   `json:"-"`
	ReadyTimeoutMS ldvalue.OptionalInt `json:"-"`
}

// Clone returns a deep copy, so that the caller cannot mutate a config after handing it over.
func (c MockServiceConfig) Clone() MockServiceConfig {
	ret := c
	ret.Command = append([]string(nil), c.Command...)
	if c.Env != nil {
		ret.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			ret.Env[k] = v
		}
	}
	return ret
}

// Address returns the host:port the service listens on.
func (c MockServiceConfig) Address() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// BaseURL returns the HTTP base URL of the service, using the given port if the configured one
// was 0 (ephemeral).
func (c MockServiceConfig) BaseURL(actualPort int) string {
	cc := c
	if actualPort != 0 {
		cc.Port = actualPort
	}
	return "http://" + cc.Address()
}

func (c MockServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service config has no name")
	}
	switch c.ServerType {
	case ServerTypeIdentity, ServerTypeAPIGateway:
	case ServerTypeService:
		if len(c.Command) == 0 {
			return fmt.Errorf("service %q has server type %q but no command", c.Name, c.ServerType)
		}
	default:
		return fmt.Errorf("service %q has unknown server type %q", c.Name, c.ServerType)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("service %q has invalid port %d", c.Name, c.Port)
	}
	return nil
}

// EndpointConfig describes a canned HTTP response of an API gateway mock service.
type EndpointConfig struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	StatusCode int               `json:"statusCode"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Key returns the (method, path) pair that identifies the endpoint.
func (e EndpointConfig) Key() string {
	return strings.ToUpper(e.Method) + " " + e.Path
}

func SetEnvOperation(env map[string]string) Envelope {
	return NewEnvelope(OpSetEnv, map[string]ldvalue.Value{FieldEnv: stringMapValue(env)})
}

func AddTaskOperation() Envelope {
	return NewEnvelope(OpAddTask, nil)
}

func RemoveTaskOperation(task string) Envelope {
	return NewEnvelope(OpRemoveTask, map[string]ldvalue.Value{FieldTask: ldvalue.String(task)})
}

func ClearInstancesOperation() Envelope {
	return NewEnvelope(OpClearInstances, nil)
}

func FindTileOperation(id string) Envelope {
	return NewEnvelope(OpFindTile, map[string]ldvalue.Value{FieldID: ldvalue.String(id)})
}

func ShutdownOperation() Envelope {
	return NewEnvelope(OpShutdown, nil)
}

func SetTokenResponseOperation(grantType string, response ldvalue.Value) Envelope {
	return NewEnvelope(OpSetTokenResponse, map[string]ldvalue.Value{
		FieldGrantType: ldvalue.String(grantType),
		FieldResponse:  response,
	})
}

func SetEndpointOperation(e EndpointConfig) Envelope {
	return NewEnvelope(OpSetEndpoint, map[string]ldvalue.Value{
		FieldMethod:     ldvalue.String(e.Method),
		FieldPath:       ldvalue.String(e.Path),
		FieldStatusCode: ldvalue.Int(e.StatusCode),
		FieldBody:       ldvalue.String(e.Body),
		FieldHeaders:    stringMapValue(e.Headers),
	})
}

// EndpointConfigFromOperation extracts the EndpointConfig carried by a setEndpoint operation.
func EndpointConfigFromOperation(op Envelope) (EndpointConfig, error) {
	if op.Type != OpSetEndpoint {
		return EndpointConfig{}, fmt.Errorf("expected %s operation, got %s", OpSetEndpoint, op.Type)
	}
	e := EndpointConfig{
		Method:     strings.ToUpper(op.Get(FieldMethod).StringValue()),
		Path:       op.Get(FieldPath).StringValue(),
		StatusCode: op.Get(FieldStatusCode).IntValue(),
		Body:       op.Get(FieldBody).StringValue(),
		Headers:    StringMapFromValue(op.Get(FieldHeaders)),
	}
	if e.Method == "" || e.Path == "" {
		return EndpointConfig{}, fmt.Errorf("%s requires method and path", OpSetEndpoint)
	}
	if e.StatusCode == 0 {
		e.StatusCode = 200
	}
	return e, nil
}

// StringMapFromValue converts a JSON object of strings into a map. Non-string values are
// converted to their JSON representation.
func StringMapFromValue(v ldvalue.Value) map[string]string {
	if v.Type() != ldvalue.ObjectType {
		return nil
	}
	ret := make(map[string]string, v.Count())
	for _, k := range v.Keys() {
		item := v.GetByKey(k)
		if item.Type() == ldvalue.StringType {
			ret[k] = item.StringValue()
		} else {
			ret[k] = item.JSONString()
		}
	}
	return ret
}

func stringMapValue(m map[string]string) ldvalue.Value {
	b := ldvalue.ObjectBuild()
	for k, v := range m {
		b = b.Set(k, ldvalue.String(v))
	}
	return b.Build()
}
