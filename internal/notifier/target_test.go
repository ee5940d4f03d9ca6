package notifier

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scatter-server/scatter/internal/ident"
	"github.com/scatter-server/scatter/internal/payload"
)

func wirePayload(t *testing.T) *payload.Payload {
	t.Helper()
	gen := ident.NewGenerator()
	p := payload.Parse([]byte(`{"type":"text","sender":12,"recipients":[7],"text":"hi"}`), gen, payload.ParseOptions{})
	if !p.IsValid() {
		t.Fatalf("fixture: %s", p.Err())
	}
	return p
}

func TestHTTPTargetPostsWireForm(t *testing.T) {
	var gotBody []byte
	var gotMethod, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := NewHTTPTarget(srv.URL, "", nil, 0, nil)
	if !target.IsValid() {
		t.Fatalf("target invalid: %s", target.ErrorMessage())
	}

	p := wirePayload(t)
	if err := target.Send(p); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST default", gotMethod)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q", gotContentType)
	}
	if string(gotBody) != string(p.Wire()) {
		t.Errorf("body = %s", gotBody)
	}
}

func TestHTTPTargetAppliesHeaders(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	target := NewHTTPTarget(srv.URL, http.MethodPut, map[string]string{"Authorization": "Bearer tok"}, 0, nil)
	if err := target.Send(wirePayload(t)); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestHTTPTargetStatusClasses(t *testing.T) {
	status := http.StatusFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	target := NewHTTPTarget(srv.URL, "", nil, 0, nil)

	// 3xx is success.
	if err := target.Send(wirePayload(t)); err != nil {
		t.Errorf("302 should succeed: %v", err)
	}
	status = http.StatusInternalServerError
	if err := target.Send(wirePayload(t)); err == nil {
		t.Error("500 should fail")
	}
}

func TestHTTPTargetRejectsBadURL(t *testing.T) {
	target := NewHTTPTarget("not a url", "", nil, 0, nil)
	if target.IsValid() {
		t.Fatal("unparseable url accepted")
	}
	if target.ErrorMessage() == "" {
		t.Error("invalid target must carry an error message")
	}
}

func TestBuildTargetsHTTPWithFallback(t *testing.T) {
	targets, err := BuildTargets([]TargetConfig{{
		Kind: "http",
		URL:  "http://primary.example/events",
		Fallback: []TargetConfig{{
			Kind: "http",
			URL:  "http://backup.example/events",
		}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 {
		t.Fatalf("built %d targets", len(targets))
	}
	if targets[0].Type() != "http" {
		t.Errorf("type = %q", targets[0].Type())
	}
	if got := len(targets[0].Fallbacks()); got != 1 {
		t.Fatalf("fallback chain length = %d", got)
	}
}

func TestBuildTargetsRejectsUnknownKind(t *testing.T) {
	if _, err := BuildTargets([]TargetConfig{{Kind: "carrier-pigeon"}}); err == nil {
		t.Fatal("unknown kind accepted")
	}
}

func TestBuildTargetsRejectsInvalidTarget(t *testing.T) {
	if _, err := BuildTargets([]TargetConfig{{Kind: "http", URL: ""}}); err == nil {
		t.Fatal("invalid http target accepted")
	}
	if _, err := BuildTargets([]TargetConfig{{Kind: "kafka", Topic: "events"}}); err == nil {
		t.Fatal("kafka target without brokers accepted")
	}
	// A broken fallback poisons its primary.
	if _, err := BuildTargets([]TargetConfig{{
		Kind:     "http",
		URL:      "http://primary.example/events",
		Fallback: []TargetConfig{{Kind: "nats", URL: "nats://localhost:4222"}},
	}}); err == nil {
		t.Fatal("fallback without subject accepted")
	}
}
