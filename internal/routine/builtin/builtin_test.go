package builtin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"envfleet/internal/provider"
	"envfleet/internal/provider/fakeprovider"
	"envfleet/internal/routine"
)

func TestRegister(t *testing.T) {
	t.Parallel()
	reg := routine.NewRegistry()
	Register(reg)
	for _, name := range []string{"idle", "devtools-probe", "status-check"} {
		if _, err := reg.Resolve(name); err != nil {
			t.Fatalf("%s not registered: %v", name, err)
		}
	}
}

func TestIdleHonoursCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Idle(ctx, &routine.Context{Config: map[string]any{"seconds": 60}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled", err)
	}
}

func TestDevtoolsProbe(t *testing.T) {
	t.Parallel()
	r := chi.NewRouter()
	r.Get("/json/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"Browser":"Chrome/120.0"}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	var logged []string
	rc := &routine.Context{
		Endpoint: provider.Endpoint{DebugPort: "1"},
		Config:   map[string]any{"devtools_base": srv.URL},
		Log:      func(msg string, _ routine.Severity) { logged = append(logged, msg) },
	}
	if err := DevtoolsProbe(context.Background(), rc); err != nil {
		t.Fatalf("DevtoolsProbe: %v", err)
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "Chrome/120.0") {
		t.Fatalf("logged = %v", logged)
	}
	if err := DevtoolsProbe(context.Background(), &routine.Context{}); err == nil {
		t.Fatal("expected error without debug port")
	}
}

func TestStatusCheck(t *testing.T) {
	t.Parallel()
	fp := fakeprovider.New(fakeprovider.Environments(1)...)
	rc := &routine.Context{EnvID: "env-1", Client: fp}
	if err := StatusCheck(context.Background(), rc); err == nil {
		t.Fatal("expected failure for a stopped session")
	}
	if _, err := fp.StartEnvironment(context.Background(), "env-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := StatusCheck(context.Background(), rc); err != nil {
		t.Fatalf("StatusCheck on running session: %v", err)
	}
}
