package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nooterra-labs/paygate/internal/gate"
)

func mockOrigin(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newCall(t *testing.T, method, target string, body []byte) *gate.Call {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Authorization", "NooterraPay token-should-not-leak")
	req.Header.Set("X-Agent-Run", "run_42")
	req.Header.Set("Content-Type", "application/json")
	return &gate.Call{
		Request:     req,
		URL:         req.URL,
		RequestBody: body,
	}
}

// ── Execute ───────────────────────────────────────────────────────────────────

func TestExecute_ForwardsRequest(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotAuth, gotAgent string
	var gotBody []byte
	srv := mockOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("X-Agent-Run")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Tool-Version", "7")
		w.Write([]byte(`{"ok":true}`)) //nolint:errcheck
	})

	f := New(Options{})
	call := newCall(t, http.MethodPost, "/actions/send?dry=1", []byte(`{"to":"alice"}`))
	res, err := f.Execute(context.Background(), srv.URL, call)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/actions/send" || gotQuery != "dry=1" {
		t.Errorf("upstream saw %s %s?%s", gotMethod, gotPath, gotQuery)
	}
	if gotAuth != "" {
		t.Errorf("Authorization leaked upstream: %q", gotAuth)
	}
	if gotAgent != "run_42" {
		t.Errorf("X-Agent-Run: got %q", gotAgent)
	}
	if string(gotBody) != `{"to":"alice"}` {
		t.Errorf("upstream body: %q", gotBody)
	}

	if res.StatusCode != http.StatusOK || res.ContentType != "application/json" {
		t.Errorf("result: %d %q", res.StatusCode, res.ContentType)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Errorf("result body: %q", res.Body)
	}
	if res.Headers["X-Tool-Version"] != "7" {
		t.Errorf("extras: %+v", res.Headers)
	}
	if _, ok := res.Headers["Date"]; ok {
		t.Error("Date header relayed")
	}
	if _, ok := res.Headers["Content-Type"]; ok {
		t.Error("Content-Type duplicated into extras")
	}
}

func TestExecute_StreamsBodyWhenUnbuffered(t *testing.T) {
	var gotBody []byte
	srv := mockOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	// Requests priced without strict binding reach the forwarder with the
	// body still on the request, not in RequestBody.
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("streamed payload"))
	call := &gate.Call{Request: req, URL: req.URL}

	f := New(Options{})
	if _, err := f.Execute(context.Background(), srv.URL, call); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(gotBody) != "streamed payload" {
		t.Errorf("upstream body: %q", gotBody)
	}
}

func TestExecute_PassesThroughErrorStatus(t *testing.T) {
	srv := mockOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such record"}`)) //nolint:errcheck
	})

	f := New(Options{})
	res, err := f.Execute(context.Background(), srv.URL, newCall(t, http.MethodGet, "/lookup", nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status: %d", res.StatusCode)
	}
	if string(res.Body) != `{"error":"no such record"}` {
		t.Errorf("body: %q", res.Body)
	}
}

func TestExecute_ResponseTooLarge(t *testing.T) {
	srv := mockOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 64)) //nolint:errcheck
	})

	f := New(Options{MaxResponseBytes: 16})
	_, err := f.Execute(context.Background(), srv.URL, newCall(t, http.MethodGet, "/big", nil))
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("err: %v", err)
	}
}

func TestExecute_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	f := New(Options{})
	if _, err := f.Execute(context.Background(), srv.URL, newCall(t, http.MethodGet, "/x", nil)); err == nil {
		t.Error("expected error against closed origin")
	}
}

func TestExecute_JoinsBaseURL(t *testing.T) {
	var gotPath string
	srv := mockOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	})

	f := New(Options{})
	// A trailing slash on the base must not produce a double slash.
	if _, err := f.Execute(context.Background(), srv.URL+"/", newCall(t, http.MethodGet, "/search", nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotPath != "/search" {
		t.Errorf("path: %q", gotPath)
	}
}
