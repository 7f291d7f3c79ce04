package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flemzord/toolgate/internal/confirm"
	"github.com/flemzord/toolgate/internal/gateway"
	"github.com/flemzord/toolgate/internal/policy"
)

func newTestClient(t *testing.T, h http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	cfg.BaseURL = ts.URL
	c, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty base URL")
	}
	c, err := New(Config{BaseURL: "127.0.0.1:8088/"})
	if err != nil {
		t.Fatal(err)
	}
	if got := c.base.String(); got != "http://127.0.0.1:8088" {
		t.Errorf("base = %q", got)
	}
}

func TestClient_Invoke(t *testing.T) {
	t.Parallel()

	var got struct {
		Role    string `json:"role"`
		Tool    string `json:"tool"`
		Command string `json:"command"`
		Wait    bool   `json:"wait"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/invoke" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("auth = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(gateway.Result{Elevated: true, RequestID: "c1", SessionID: "s1"})
	}, Config{BearerToken: "tok"})

	res, err := c.Invoke(context.Background(), gateway.Request{
		Role: policy.RoleAdmin, Tool: "exec", Command: "sudo ls",
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Elevated || res.RequestID != "c1" {
		t.Errorf("result = %+v", res)
	}
	if got.Role != "admin" || got.Tool != "exec" || !got.Wait {
		t.Errorf("sent = %+v", got)
	}
}

func TestClient_ResolveErrorResult(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ops" || pass != "pw" {
			t.Errorf("basic auth = %q %q %v", user, pass, ok)
		}
		if r.URL.Path != "/v1/confirmations/c9" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"already_resolved","message":"confirmation c9 is approved"}}`))
	}, Config{BasicUser: "ops", BasicPass: "pw"})

	res, err := c.Resolve(context.Background(), "c9", true, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Error == nil || res.Error.Kind != gateway.KindAlreadyResolved {
		t.Errorf("result = %+v", res)
	}
}

func TestClient_Confirmations(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pending") != "true" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":"c1","session_id":"s1","tool":"exec","command":"sudo ls","role":"owner","state":"pending"}]`))
	}, Config{})

	list, err := c.Confirmations(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].State != confirm.StatePending || list[0].Role != policy.RoleOwner {
		t.Errorf("list = %+v", list)
	}
}

func TestClient_GetErrors(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/confirmations/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":{"kind":"not_found","message":"confirmation missing not found"}}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
		}
	}, Config{})

	_, err := c.Confirmation(context.Background(), "missing")
	var gwErr *gateway.Error
	if !errors.As(err, &gwErr) || gwErr.Kind != gateway.KindNotFound {
		t.Errorf("Confirmation error = %v", err)
	}

	if _, err := c.Tools(context.Background()); !errors.Is(err, ErrUnexpectedStatus) {
		t.Errorf("Tools error = %v, want ErrUnexpectedStatus", err)
	}
}
