package notifier

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/scatter-server/scatter/internal/payload"
)

// defaultTargetTimeout bounds one delivery round trip.
const defaultTargetTimeout = 10 * time.Second

// HTTPTarget posts the payload's wire form to an endpoint. Success is
// any 2xx/3xx response.
type HTTPTarget struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client

	fallbacks []Target
	errMsg    string
}

// NewHTTPTarget validates the endpoint and builds the target. An
// unparseable URL yields an invalid target; the factory treats that as
// fatal.
func NewHTTPTarget(rawURL, method string, headers map[string]string, timeout time.Duration, fallbacks []Target) *HTTPTarget {
	t := &HTTPTarget{
		url:       rawURL,
		method:    method,
		headers:   headers,
		fallbacks: fallbacks,
	}
	if t.method == "" {
		t.method = http.MethodPost
	}
	if timeout <= 0 {
		timeout = defaultTargetTimeout
	}
	t.client = &http.Client{Timeout: timeout}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		t.errMsg = fmt.Sprintf("invalid target url %q", rawURL)
	}
	return t
}

func (t *HTTPTarget) Send(p *payload.Payload) error {
	wire := p.Wire()
	if wire == nil {
		return fmt.Errorf("http target: payload failed to serialize")
	}

	req, err := http.NewRequest(t.method, t.url, bytes.NewReader(wire))
	if err != nil {
		return fmt.Errorf("http target: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http target: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("http target: endpoint returned %d", resp.StatusCode)
}

func (t *HTTPTarget) Type() string         { return "http" }
func (t *HTTPTarget) IsValid() bool        { return t.errMsg == "" }
func (t *HTTPTarget) ErrorMessage() string { return t.errMsg }
func (t *HTTPTarget) Fallbacks() []Target  { return t.fallbacks }
