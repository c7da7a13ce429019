package mockservice

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const (
	// TokenPath is the path of the identity server's OAuth2 token endpoint.
	TokenPath = "/oauth2/token"

	defaultSigningKey  = "mock-identity-server"
	defaultTokenExpiry = time.Hour
)

// identityServer emulates an OAuth2 token endpoint. Every token request is reported with an
// "oauth2TokenRequest" notification carrying the form parameters.
//
// Behavior properties:
//   - tokenResponses: an object mapping a grant_type to the JSON response to return for it
//   - signingKey: the HMAC key for the access tokens it generates otherwise
//   - issuer: the "iss" claim of generated access tokens
//
// The "setTokenResponse" operation replaces the response for one grant_type, or restores the
// generated one if its "response" is null.
type identityServer struct {
	config         servicedef.MockServiceConfig
	notify         notifier
	logger         framework.Logger
	signingKey     []byte
	issuer         string
	tokenResponses map[string]ldvalue.Value
	lock           sync.Mutex
}

func newIdentityServer(config servicedef.MockServiceConfig, notify notifier, logger framework.Logger) (*identityServer, error) {
	s := &identityServer{
		config:         config,
		notify:         notify,
		logger:         logger,
		signingKey:     []byte(defaultSigningKey),
		issuer:         config.ServerName,
		tokenResponses: make(map[string]ldvalue.Value),
	}
	if key := config.Behavior.GetByKey("signingKey"); key.StringValue() != "" {
		s.signingKey = []byte(key.StringValue())
	}
	if issuer := config.Behavior.GetByKey("issuer"); issuer.StringValue() != "" {
		s.issuer = issuer.StringValue()
	}
	responses := config.Behavior.GetByKey("tokenResponses")
	for _, grantType := range responses.Keys() {
		s.tokenResponses[grantType] = responses.GetByKey(grantType)
	}
	return s, nil
}

func (s *identityServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != TokenPath {
		s.notify(servicedef.NotificationUnmatchedRequest, requestFields(r))
		httphelpers.HandlerWithStatus(http.StatusNotFound).ServeHTTP(w, r)
		return
	}
	if r.Method != http.MethodPost {
		httphelpers.HandlerWithStatus(http.StatusMethodNotAllowed).ServeHTTP(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.logger.Printf("Bad token request: %s", err)
		httphelpers.HandlerWithStatus(http.StatusBadRequest).ServeHTTP(w, r)
		return
	}

	fields := requestFields(r)
	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields[k] = ldvalue.String(r.PostForm.Get(k))
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		fields["authorization"] = ldvalue.String(auth)
	}
	grantType := r.PostForm.Get(servicedef.FieldGrantType)
	s.notify(servicedef.NotificationOAuth2TokenRequest, fields)

	response, err := s.tokenResponse(grantType, r.PostForm.Get("client_id"))
	if err != nil {
		s.logger.Printf("Could not create token: %s", err)
		httphelpers.HandlerWithStatus(http.StatusInternalServerError).ServeHTTP(w, r)
		return
	}
	httphelpers.HandlerWithJSONResponse(response, nil).ServeHTTP(w, r)
}

func (s *identityServer) tokenResponse(grantType, clientID string) (ldvalue.Value, error) {
	s.lock.Lock()
	seeded, ok := s.tokenResponses[grantType]
	s.lock.Unlock()
	if ok {
		return seeded, nil
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(defaultTokenExpiry)),
		ID:        uuid.NewString(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return ldvalue.Null(), err
	}
	return ldvalue.ObjectBuild().
		Set("access_token", ldvalue.String(accessToken)).
		Set("token_type", ldvalue.String("bearer")).
		Set("expires_in", ldvalue.Int(int(defaultTokenExpiry/time.Second))).
		Set("refresh_token", ldvalue.String(strings.ReplaceAll(uuid.NewString(), "-", ""))).
		Set("scope", ldvalue.String("uri:/api")).
		Build(), nil
}

func (s *identityServer) applyOperation(op servicedef.Envelope) (map[string]ldvalue.Value, bool, error) {
	if op.Type != servicedef.OpSetTokenResponse {
		return nil, false, nil
	}
	grantType := op.Get(servicedef.FieldGrantType).StringValue()
	if grantType == "" {
		return nil, true, fmt.Errorf("%s requires %q", op.Type, servicedef.FieldGrantType)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if response := op.Get(servicedef.FieldResponse); response.IsNull() {
		delete(s.tokenResponses, grantType)
	} else {
		s.tokenResponses[grantType] = response
	}
	return nil, true, nil
}

// ParseAccessToken validates an access token issued by an identity server with the given
// signing key, returning its claims.
func ParseAccessToken(token string, signingKey string) (*jwt.RegisteredClaims, error) {
	if signingKey == "" {
		signingKey = defaultSigningKey
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(signingKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
