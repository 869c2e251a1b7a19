package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	logx "envfleet/pkg/logx"
)

// fakeAPI mimics the local provisioning API closely enough for the client.
type fakeAPI struct {
	mu      sync.Mutex
	running map[string]bool
	bodies  []map[string]any
	headers http.Header
}

func newFakeAPI(t *testing.T) (*fakeAPI, *HTTPClient) {
	t.Helper()
	api := &fakeAPI{running: map[string]bool{}}

	r := chi.NewRouter()
	r.Post("/api/env/page", api.handle(func(body map[string]any) (int, any) {
		return 0, map[string]any{
			"dataList": []any{
				map[string]any{"id": json.Number("1650000000000000001"), "envName": "alpha"},
				map[string]any{"Id": "b2", "name": "beta"},
				map[string]any{"envName": "no id"},
			},
			"total": 3,
		}
	}))
	r.Post("/api/env/start", api.handle(func(body map[string]any) (int, any) {
		id, _ := body["envId"].(string)
		if id == "bad" {
			return 500001, "environment is locked"
		}
		api.running[id] = true
		return 0, map[string]any{"debugPort": 9333, "webdriver": "/path/chromedriver"}
	}))
	r.Post("/api/env/close", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		id, _ := body["envId"].(string)
		switch id {
		case "gone":
			w.WriteHeader(http.StatusNotFound)
			return
		case "stale":
			writeEnvelope(w, 1, "environment not running", nil)
			return
		case "stuck":
			writeEnvelope(w, 2, "internal error", nil)
			return
		}
		api.mu.Lock()
		delete(api.running, id)
		api.mu.Unlock()
		writeEnvelope(w, 0, "", nil)
	})
	r.Post("/api/env/status", api.handle(func(body map[string]any) (int, any) {
		id, _ := body["envId"].(string)
		if api.running[id] {
			return 0, map[string]any{"status": "running", "localStatus": "running"}
		}
		return 0, map[string]any{"status": "stopped", "localStatus": "stopped"}
	}))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", APIID: "id", APIKey: "key", RatePerSec: 100}, logx.Nop())
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	return api, c
}

func (a *fakeAPI) handle(fn func(body map[string]any) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(req.Body).Decode(&body)
		a.mu.Lock()
		a.bodies = append(a.bodies, body)
		a.headers = req.Header.Clone()
		code, data := fn(body)
		a.mu.Unlock()
		if code != 0 {
			msg, _ := data.(string)
			writeEnvelope(w, code, msg, nil)
			return
		}
		writeEnvelope(w, 0, "", data)
	}
}

func writeEnvelope(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}

func TestListEnvironmentsKeepsLargeIDs(t *testing.T) {
	api, c := newFakeAPI(t)
	page, err := c.ListEnvironments(context.Background(), ListOptions{Name: "alpha"})
	if err != nil {
		t.Fatalf("ListEnvironments: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("Total = %d, want 3", page.Total)
	}
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2 (record without id skipped)", len(page.Items))
	}
	if page.Items[0].ID != "1650000000000000001" || page.Items[0].Name != "alpha" {
		t.Fatalf("first item = %+v", page.Items[0])
	}
	if page.Items[1].ID != "b2" || page.Items[1].Name != "beta" {
		t.Fatalf("second item = %+v", page.Items[1])
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if got := api.headers.Get("X-API-KEY"); got != "key" {
		t.Fatalf("X-API-KEY = %q", got)
	}
	if api.bodies[0]["envName"] != "alpha" || api.bodies[0]["pageNo"] != float64(1) {
		t.Fatalf("unexpected request body %v", api.bodies[0])
	}
}

func TestStartAndStatus(t *testing.T) {
	_, c := newFakeAPI(t)
	ctx := context.Background()

	ep, err := c.StartEnvironment(ctx, "e1")
	if err != nil {
		t.Fatalf("StartEnvironment: %v", err)
	}
	if ep.DebugPort != "9333" || ep.WebSocketURL() != "ws://127.0.0.1:9333/devtools/browser" {
		t.Fatalf("endpoint = %+v", ep)
	}
	st, err := c.EnvironmentStatus(ctx, "e1")
	if err != nil || st.Stopped() {
		t.Fatalf("status after start = %+v, %v", st, err)
	}

	_, err = c.StartEnvironment(ctx, "bad")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Msg != "environment is locked" {
		t.Fatalf("expected APIError with provider message, got %v", err)
	}
	if _, err := c.StartEnvironment(ctx, " "); !errors.Is(err, ErrMissingEnvID) {
		t.Fatalf("expected ErrMissingEnvID, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	_, c := newFakeAPI(t)
	ctx := context.Background()

	tests := []struct {
		env           string
		alreadyClosed bool
		wantErr       bool
	}{
		{env: "e1"},
		{env: "gone", alreadyClosed: true},
		{env: "stale", alreadyClosed: true},
		{env: "stuck", wantErr: true},
	}
	for _, tt := range tests {
		res, err := c.CloseEnvironment(ctx, tt.env)
		if (err != nil) != tt.wantErr {
			t.Fatalf("close %s: err = %v, wantErr %v", tt.env, err, tt.wantErr)
		}
		if res.AlreadyClosed != tt.alreadyClosed {
			t.Fatalf("close %s: AlreadyClosed = %v, want %v", tt.env, res.AlreadyClosed, tt.alreadyClosed)
		}
	}
}

func TestListAllWalksPages(t *testing.T) {
	t.Parallel()
	envs := make([]Environment, 0, 5)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		envs = append(envs, Environment{ID: id})
	}
	pc := &pagedClient{envs: envs}
	all, err := ListAll(context.Background(), pc, ListOptions{PageSize: 2})
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 5 || pc.calls != 3 {
		t.Fatalf("got %d envs in %d calls, want 5 in 3", len(all), pc.calls)
	}
}

type pagedClient struct {
	Client
	envs  []Environment
	calls int
}

func (p *pagedClient) ListEnvironments(_ context.Context, opt ListOptions) (Page, error) {
	p.calls++
	from := (opt.Page - 1) * opt.PageSize
	to := min(from+opt.PageSize, len(p.envs))
	return Page{Items: p.envs[from:to], Total: len(p.envs)}, nil
}

func TestCheckConnection(t *testing.T) {
	_, c := newFakeAPI(t)
	rep := c.CheckConnection(context.Background())
	if !rep.OK || rep.Total != 3 {
		t.Fatalf("report = %+v", rep)
	}

	c.cfg.APIKey = ""
	rep = c.CheckConnection(context.Background())
	if rep.OK || rep.Suggestion == "" {
		t.Fatalf("expected missing-credentials report, got %+v", rep)
	}
}

func TestStatusStopped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		st   Status
		want bool
	}{
		{Status{Status: "stopped"}, true},
		{Status{Status: "running", LocalStatus: "closed"}, true},
		{Status{Status: "stopped", LocalStatus: "running"}, false},
		{Status{}, false},
	}
	for _, tt := range tests {
		if got := tt.st.Stopped(); got != tt.want {
			t.Errorf("%+v.Stopped() = %v, want %v", tt.st, got, tt.want)
		}
	}
}
