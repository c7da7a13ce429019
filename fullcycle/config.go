package fullcycle

import (
	"encoding/base64"
	"fmt"

	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/google/uuid"
)

const (
	IdentityServiceName = "identity"
	GatewayServiceName  = "gateway"
	SUTServiceName      = "sut"

	// IdentityServerURLEnvVar is set by setEnv to the base URL of the mock identity server.
	IdentityServerURLEnvVar = "IDENTITY_SERVER_URL"
	LogLevelEnvVar          = "LOG_LEVEL"

	// DataPath is where the system under test pushes data for the tile that the scenarios
	// register.
	DataPath = "/api/links/v1/tiles/1234/data"

	RegistrationPath = "/registration"
	TileName         = "sampletable"
	TileID           = 1234
)

// Params are the inputs of the suite that do not come from the suite config.
type Params struct {
	Suite servicedef.SuiteConfig

	// SUTURL is the base URL of the system under test. If empty, it is taken from the port in
	// the system under test's ready notification.
	SUTURL string

	ClientID     string
	ClientSecret string
}

// DefaultSuiteConfig returns the processes the suite needs when no suite config file is given:
// an identity server and an API gateway on ephemeral ports, and the system under test run with
// sutCommand.
func DefaultSuiteConfig(sutCommand []string) servicedef.SuiteConfig {
	return servicedef.SuiteConfig{
		Services: []servicedef.MockServiceConfig{
			{
				Name:       IdentityServiceName,
				ServerType: servicedef.ServerTypeIdentity,
				ServerName: "Fake Identity Server",
			},
			{
				Name:       GatewayServiceName,
				ServerType: servicedef.ServerTypeAPIGateway,
				ServerName: "Fake API Gateway Instance",
			},
			{
				Name:       SUTServiceName,
				ServerType: servicedef.ServerTypeService,
				ServerName: "System Under Test",
				Command:    sutCommand,
			},
		},
	}
}

// MakeBasicAuth returns the value of a Basic Authorization header.
func MakeBasicAuth(clientID, clientSecret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))
}

// MakeGUID returns the stable identifier of a tile or, if isInstance is true, of a gateway
// instance, on the gateway at baseURL.
func MakeGUID(baseURL string, isInstance bool, id int) string {
	kind := "tile"
	if isInstance {
		kind = "instance"
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%s/%d", baseURL, kind, id))).String()
}

// RegistrationRequest is the body of POST /registration.
type RegistrationRequest struct {
	Code   string            `json:"code"`
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
	URL    string            `json:"url"`
	GUID   string            `json:"guid"`
}

func newRegistrationRequest(clientSecret, gatewayURL string) RegistrationRequest {
	return RegistrationRequest{
		Code:   clientSecret,
		Name:   TileName,
		Config: map[string]string{"config": "value"},
		URL:    gatewayURL + DataPath,
		GUID:   MakeGUID(gatewayURL, true, TileID),
	}
}
