// Package auth supplies the credentials attached to fuzzed requests. The
// engine only sees the Provider interface; token refresh and login
// sequencing stay out of the core.
package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fastjson"
	"gopkg.in/yaml.v2"
)

// Provider returns the headers to attach to a request for one operation.
type Provider interface {
	Headers(ctx context.Context, opID string) (map[string]string, error)
}

// None attaches nothing.
type None struct{}

func (None) Headers(context.Context, string) (map[string]string, error) { return nil, nil }

// Static attaches a fixed bearer token to every operation.
type Static struct {
	Token string
}

func (s Static) Headers(context.Context, string) (map[string]string, error) {
	return map[string]string{"Authorization": "Bearer " + s.Token}, nil
}

// TokenEndpoint acquires a bearer token once from a login endpoint and
// reuses it for the rest of the campaign.
type TokenEndpoint struct {
	URL         string
	Method      string
	ContentType string
	Body        interface{} // marshalled as the login request body
	Key         string      // dotted path to the token in the JSON response

	once   sync.Once
	client *http.Client
	token  string
	err    error
}

func (t *TokenEndpoint) Headers(ctx context.Context, _ string) (map[string]string, error) {
	t.once.Do(func() { t.token, t.err = t.fetch(ctx) })
	if t.err != nil {
		return nil, t.err
	}
	return map[string]string{"Authorization": "Bearer " + t.token}, nil
}

func (t *TokenEndpoint) fetch(ctx context.Context) (string, error) {
	if t.client == nil {
		t.client = &http.Client{Timeout: 15 * time.Second}
	}
	body := ""
	if t.Body != nil {
		raw, err := yaml.Marshal(t.Body)
		if err != nil {
			return "", fmt.Errorf("auth: encode login body: %w", err)
		}
		body = strings.TrimSpace(string(raw))
		// yaml renders a plain string quoted; undo that for raw bodies.
		body = strings.Trim(body, "'")
	}
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, t.URL, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("auth: build login request: %w", err)
	}
	if t.ContentType != "" {
		req.Header.Set("Content-Type", t.ContentType)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: login request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth: login returned status %d", res.StatusCode)
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("auth: read login response: %w", err)
	}

	parsed, err := fastjson.ParseBytes(raw)
	if err != nil {
		return "", fmt.Errorf("auth: parse login response: %w", err)
	}
	v := parsed.Get(strings.Split(t.Key, ".")...)
	token := string(v.GetStringBytes())
	if token == "" && parsed.Type() == fastjson.TypeString {
		// Some targets return the bare token without a JSON wrapper.
		token = string(parsed.GetStringBytes())
	}
	if token == "" {
		return "", fmt.Errorf("auth: no token at key %q in login response", t.Key)
	}
	return token, nil
}
