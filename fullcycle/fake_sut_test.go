package fullcycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/mockservice"
	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/google/uuid"
	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

const fakePushInterval = time.Millisecond * 20

// fakeSUT is a minimal system under test: it registers tile instances, exchanges and refreshes
// tokens with the identity server, and pushes data to every registered instance while it has at
// least one task.
type fakeSUT struct {
	clientID     string
	clientSecret string
	noPush       bool
}

type fakeInstance struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	GUID         string `json:"guid"`
	accessToken  string
	refreshToken string
}

type fakeSUTState struct {
	fake      *fakeSUT
	writer    *servicedef.FrameWriter
	client    *http.Client
	env       map[string]string
	tasks     map[string]bool
	instances map[string]*fakeInstance
	lock      sync.Mutex
}

// inProcessCommand runs configs that have a Command with a ServeFunc instead.
type inProcessCommand struct {
	serve framework.ServeFunc
}

func (l inProcessCommand) Launch(ctx context.Context, config servicedef.MockServiceConfig, logger framework.Logger) (framework.ProcessConn, error) {
	config.Command = nil
	return framework.PipeLauncher{Serve: l.serve}.Launch(ctx, config, logger)
}

func (f *fakeSUT) launcher() framework.Launcher {
	return framework.SplitLauncher{
		Mock:    framework.PipeLauncher{Serve: mockservice.Serve},
		Command: inProcessCommand{serve: f.serve},
	}
}

func (f *fakeSUT) serve(ctx context.Context, config servicedef.MockServiceConfig, in io.Reader, out io.Writer, logger framework.Logger) error {
	s := &fakeSUTState{
		fake:      f,
		writer:    servicedef.NewFrameWriter(out),
		client:    &http.Client{Timeout: time.Second * 5},
		env:       make(map[string]string),
		tasks:     make(map[string]bool),
		instances: make(map[string]*fakeInstance),
	}
	listener, err := net.Listen("tcp", config.Address())
	if err != nil {
		return err
	}
	server := &http.Server{Handler: http.HandlerFunc(s.serveHTTP), ReadHeaderTimeout: time.Second}
	go func() { _ = server.Serve(listener) }()
	defer server.Close()

	pushCtx, stopPushing := context.WithCancel(ctx)
	defer stopPushing()
	go s.pushLoop(pushCtx)

	s.notify(servicedef.NotificationReady, map[string]ldvalue.Value{
		servicedef.FieldPort: ldvalue.Int(listener.Addr().(*net.TCPAddr).Port),
	})

	ops := make(chan servicedef.Envelope)
	go func() {
		defer close(ops)
		r := servicedef.NewFrameReader(in)
		for {
			op, err := r.Next()
			if err != nil {
				var de *servicedef.DecodeError
				if errors.As(err, &de) {
					continue
				}
				return
			}
			ops <- op
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op, ok := <-ops:
			if !ok || op.Type == servicedef.OpShutdown {
				return nil
			}
			s.handleOperation(op)
		}
	}
}

func (s *fakeSUTState) notify(messageType string, fields map[string]ldvalue.Value) {
	_ = s.writer.Write(servicedef.NewEnvelope(messageType, fields))
}

func (s *fakeSUTState) handleOperation(op servicedef.Envelope) {
	fields := map[string]ldvalue.Value{
		servicedef.FieldReplyTo: op.Get(servicedef.FieldOpID),
		servicedef.FieldOp:      ldvalue.String(op.Type),
	}
	s.lock.Lock()
	switch op.Type {
	case servicedef.OpSetEnv:
		for k, v := range servicedef.StringMapFromValue(op.Get(servicedef.FieldEnv)) {
			s.env[k] = v
		}
	case servicedef.OpAddTask:
		task := uuid.NewString()
		s.tasks[task] = true
		fields[servicedef.FieldTask] = ldvalue.String(task)
	case servicedef.OpRemoveTask:
		task := op.Get(servicedef.FieldTask).StringValue()
		fields[servicedef.FieldRemoved] = ldvalue.Bool(s.tasks[task])
		delete(s.tasks, task)
	case servicedef.OpClearInstances:
		fields[servicedef.FieldCleared] = ldvalue.Int(len(s.instances))
		s.instances = make(map[string]*fakeInstance)
	case servicedef.OpFindTile:
		fields[servicedef.FieldTile] = ldvalue.Null()
		if inst, ok := s.instances[op.Get(servicedef.FieldID).StringValue()]; ok {
			fields[servicedef.FieldTile] = ldvalue.ObjectBuild().
				Set("id", ldvalue.String(inst.ID)).
				Set("name", ldvalue.String(inst.Name)).
				Set("url", ldvalue.String(inst.URL)).
				Set("guid", ldvalue.String(inst.GUID)).
				Build()
		}
	default:
		fields[servicedef.FieldError] = ldvalue.String("unknown operation")
	}
	s.lock.Unlock()
	s.notify(servicedef.NotificationReply, fields)
}

func (s *fakeSUTState) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != RegistrationPath {
		httphelpers.HandlerWithStatus(http.StatusNotFound).ServeHTTP(w, r)
		return
	}
	if r.Header.Get("Authorization") != MakeBasicAuth(s.fake.clientID, s.fake.clientSecret) {
		httphelpers.HandlerWithStatus(http.StatusUnauthorized).ServeHTTP(w, r)
		return
	}
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		httphelpers.HandlerWithStatus(http.StatusBadRequest).ServeHTTP(w, r)
		return
	}
	inst := &fakeInstance{ID: uuid.NewString(), Name: req.Name, URL: req.URL, GUID: req.GUID}
	if err := s.requestToken(inst, url.Values{"grant_type": {"authorization"}, "code": {req.Code}}); err != nil {
		httphelpers.HandlerWithStatus(http.StatusBadGateway).ServeHTTP(w, r)
		return
	}
	s.lock.Lock()
	s.instances[inst.ID] = inst
	s.lock.Unlock()

	body, _ := json.Marshal(map[string]string{"id": inst.ID})
	httphelpers.HandlerWithResponse(http.StatusCreated, http.Header{"Content-Type": {"application/json"}}, body).
		ServeHTTP(w, r)
}

func (s *fakeSUTState) requestToken(inst *fakeInstance, form url.Values) error {
	s.lock.Lock()
	identityURL := s.env[IdentityServerURLEnvVar]
	s.lock.Unlock()
	if identityURL == "" {
		return errors.New("no identity server configured")
	}
	form.Set("client_id", s.fake.clientID)
	resp, err := s.client.Post(identityURL+mockservice.TokenPath, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token request returned %d", resp.StatusCode)
	}
	token := ldvalue.Parse(data)
	s.lock.Lock()
	inst.accessToken = token.GetByKey("access_token").StringValue()
	inst.refreshToken = token.GetByKey("refresh_token").StringValue()
	s.lock.Unlock()
	return nil
}

func (s *fakeSUTState) pushLoop(ctx context.Context) {
	ticker := time.NewTicker(fakePushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.fake.noPush {
			continue
		}
		s.lock.Lock()
		var targets []*fakeInstance
		if len(s.tasks) != 0 {
			for _, inst := range s.instances {
				targets = append(targets, inst)
			}
		}
		s.lock.Unlock()
		for _, inst := range targets {
			s.push(ctx, inst)
		}
	}
}

func (s *fakeSUTState) push(ctx context.Context, inst *fakeInstance) {
	s.lock.Lock()
	token := inst.accessToken
	refreshToken := inst.refreshToken
	s.lock.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, inst.URL, strings.NewReader(`{"data":[1,2,3]}`))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.client.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		_ = s.requestToken(inst, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refreshToken}})
	case http.StatusGone:
		s.lock.Lock()
		delete(s.instances, inst.ID)
		s.lock.Unlock()
	}
	s.notify(servicedef.NotificationPushedData, map[string]ldvalue.Value{
		servicedef.FieldStatusCode: ldvalue.Int(resp.StatusCode),
		"url":                      ldvalue.String(inst.URL),
	})
}
