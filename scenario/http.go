package scenario

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/stretchr/testify/require"
)

// Request makes an HTTP request and returns the status and response body. A body that is not a
// string or []byte is sent as JSON.
func (t *T) Request(method, url string, body interface{}, headers map[string]string) (int, []byte, error) {
	var reader io.Reader
	isJSON := false
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
		isJSON = true
	}
	req, err := http.NewRequestWithContext(t.ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	if isJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	t.Debug("Request: %s %s", method, url)
	resp, err := t.env.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	t.Debug("Response: %d %s", resp.StatusCode, respBody)
	return resp.StatusCode, respBody, nil
}

// TryRequest is like Request, but returns an error if the status is not expectedStatus.
func (t *T) TryRequest(method, url string, expectedStatus int, body interface{}, headers map[string]string) ([]byte, error) {
	status, respBody, err := t.Request(method, url, body, headers)
	if err != nil {
		return nil, err
	}
	if status != expectedStatus {
		return respBody, fmt.Errorf("%s %s returned status %d, expected %d", method, url, status, expectedStatus)
	}
	return respBody, nil
}

// RequirePost makes a POST request, failing the test if it does not return expectedStatus.
func (t *T) RequirePost(url string, expectedStatus int, body interface{}, headers map[string]string) []byte {
	respBody, err := t.TryRequest(http.MethodPost, url, expectedStatus, body, headers)
	require.NoError(t, err)
	return respBody
}

// PostAction returns a step for Concurrently or AwaitAfter that makes a POST request and
// expects the given status.
func (t *T) PostAction(url string, expectedStatus int, body interface{}, headers map[string]string) func() error {
	return func() error {
		_, err := t.TryRequest(http.MethodPost, url, expectedStatus, body, headers)
		return err
	}
}

// RequestAction is like PostAction for any method.
func (t *T) RequestAction(method, url string, expectedStatus int, body interface{}, headers map[string]string) func() error {
	return func() error {
		_, err := t.TryRequest(method, url, expectedStatus, body, headers)
		return err
	}
}
