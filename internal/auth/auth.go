// Package auth validates WebSocket upgrade requests.
//
// Strategies form a small algebra chosen from configuration: none, basic,
// header, bearer, cookie, one-of, all-of, remote. The composite strategies
// take child specs; remote extracts a credential via its child and
// validates it against an external HTTP endpoint.
package auth

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// defaultRemoteTimeout bounds one validation round trip to the remote
// endpoint.
const defaultRemoteTimeout = 10 * time.Second

// Authenticator decides whether an upgrade request may proceed. A false
// return closes the connection with status 4002.
type Authenticator interface {
	Validate(r *http.Request) bool
}

// Extractor is implemented by strategies that can pull the credential
// value out of a request. The remote strategy requires its child to be
// one.
type Extractor interface {
	Extract(r *http.Request) (string, bool)
}

// Spec is one node of the configured strategy tree, decoded from the
// server.auth section of the config file.
type Spec struct {
	Kind     string `mapstructure:"kind"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Value    string `mapstructure:"value"`
	Token    string `mapstructure:"token"`
	Endpoint string `mapstructure:"endpoint"`
	Method   string `mapstructure:"method"`

	TimeoutSeconds int `mapstructure:"timeoutSeconds"`

	Child    *Spec  `mapstructure:"child"`
	Children []Spec `mapstructure:"children"`
}

// New builds an authenticator from a spec. Unknown kinds and incomplete
// specs are errors; the caller treats them as fatal at startup.
func New(spec Spec) (Authenticator, error) {
	switch spec.Kind {
	case "", "none":
		return None{}, nil

	case "basic":
		if spec.Username == "" {
			return nil, fmt.Errorf("auth: basic requires username")
		}
		return &Basic{Username: spec.Username, Password: spec.Password}, nil

	case "header":
		if spec.Name == "" || spec.Value == "" {
			return nil, fmt.Errorf("auth: header requires name and value")
		}
		return &Header{Name: spec.Name, Value: spec.Value}, nil

	case "bearer":
		if spec.Token == "" {
			return nil, fmt.Errorf("auth: bearer requires token")
		}
		return &Bearer{Token: spec.Token}, nil

	case "cookie":
		if spec.Name == "" || spec.Value == "" {
			return nil, fmt.Errorf("auth: cookie requires name and value")
		}
		return &Cookie{Name: spec.Name, Value: spec.Value}, nil

	case "one-of", "all-of":
		if len(spec.Children) == 0 {
			return nil, fmt.Errorf("auth: %s requires children", spec.Kind)
		}
		children := make([]Authenticator, 0, len(spec.Children))
		for i, cs := range spec.Children {
			child, err := New(cs)
			if err != nil {
				return nil, fmt.Errorf("auth: %s child %d: %w", spec.Kind, i, err)
			}
			children = append(children, child)
		}
		if spec.Kind == "one-of" {
			return OneOf(children), nil
		}
		return AllOf(children), nil

	case "remote":
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("auth: remote requires endpoint")
		}
		if spec.Child == nil {
			return nil, fmt.Errorf("auth: remote requires a child extractor")
		}
		child, err := New(*spec.Child)
		if err != nil {
			return nil, fmt.Errorf("auth: remote child: %w", err)
		}
		ext, ok := child.(Extractor)
		if !ok {
			return nil, fmt.Errorf("auth: remote child %q cannot extract a value", spec.Child.Kind)
		}
		method := spec.Method
		if method == "" {
			method = http.MethodPost
		}
		timeout := defaultRemoteTimeout
		if spec.TimeoutSeconds > 0 {
			timeout = time.Duration(spec.TimeoutSeconds) * time.Second
		}
		return &Remote{
			Endpoint:  spec.Endpoint,
			Method:    method,
			Extractor: ext,
			Client:    &http.Client{Timeout: timeout},
		}, nil
	}
	return nil, fmt.Errorf("auth: unknown strategy %q", spec.Kind)
}

// None admits every request.
type None struct{}

func (None) Validate(*http.Request) bool { return true }

// Basic checks HTTP basic credentials.
type Basic struct {
	Username string
	Password string
}

func (b *Basic) Validate(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(b.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(b.Password)) == 1
	return userOK && passOK
}

// Extract returns the basic password; used as the remote credential.
func (b *Basic) Extract(r *http.Request) (string, bool) {
	_, pass, ok := r.BasicAuth()
	return pass, ok
}

// Header checks that a header equals a fixed value.
type Header struct {
	Name  string
	Value string
}

func (h *Header) Validate(r *http.Request) bool {
	got := r.Header.Get(h.Name)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(h.Value)) == 1
}

func (h *Header) Extract(r *http.Request) (string, bool) {
	got := r.Header.Get(h.Name)
	return got, got != ""
}

// Bearer checks the Authorization header for a fixed bearer token.
type Bearer struct {
	Token string
}

func (b *Bearer) Validate(r *http.Request) bool {
	got, ok := bearerToken(r)
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(b.Token)) == 1
}

func (b *Bearer) Extract(r *http.Request) (string, bool) {
	return bearerToken(r)
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(raw, prefix) {
		return "", false
	}
	return raw[len(prefix):], true
}

// Cookie checks that a cookie equals a fixed value.
type Cookie struct {
	Name  string
	Value string
}

func (c *Cookie) Validate(r *http.Request) bool {
	got, ok := c.Extract(r)
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(c.Value)) == 1
}

func (c *Cookie) Extract(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.Name)
	if err != nil {
		return "", false
	}
	return ck.Value, true
}

// OneOf succeeds iff any child succeeds.
type OneOf []Authenticator

func (o OneOf) Validate(r *http.Request) bool {
	for _, child := range o {
		if child.Validate(r) {
			return true
		}
	}
	return false
}

// AllOf succeeds iff every child succeeds.
type AllOf []Authenticator

func (a AllOf) Validate(r *http.Request) bool {
	for _, child := range a {
		if !child.Validate(r) {
			return false
		}
	}
	return len(a) > 0
}

// Remote extracts a credential via its child and validates it against an
// external endpoint. Success is any 2xx/3xx response.
type Remote struct {
	Endpoint  string
	Method    string
	Extractor Extractor
	Client    *http.Client
}

func (rm *Remote) Validate(r *http.Request) bool {
	value, ok := rm.Extractor.Extract(r)
	if !ok {
		return false
	}

	body, err := json.Marshal(map[string]string{"value": value})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(r.Context(), rm.Method, rm.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rm.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
