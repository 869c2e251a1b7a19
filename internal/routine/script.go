package routine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"
)

// ScriptError is a failure raised inside a JavaScript routine.
type ScriptError struct {
	Script string
	Err    error
}

func (e *ScriptError) Error() string { return fmt.Sprintf("script %s: %v", e.Script, e.Err) }
func (e *ScriptError) Unwrap() error { return e.Err }

// compileScript parses source once so syntax errors surface at resolve time.
// The returned Func builds a fresh VM per call; scripts share no state.
func compileScript(name, source string, httpc *http.Client) (Func, error) {
	prg, err := goja.Compile(name, source, false)
	if err != nil {
		return nil, &ScriptError{Script: name, Err: err}
	}
	return func(ctx context.Context, rc *Context) error {
		return runScript(ctx, name, prg, rc, httpc)
	}, nil
}

func runScript(ctx context.Context, name string, prg *goja.Program, rc *Context, httpc *http.Client) error {
	if rc.Log == nil {
		cp := *rc
		cp.Log = func(string, Severity) {}
		rc = &cp
	}
	vm := goja.New()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)
	_ = vm.Set("console", map[string]any{
		"log":   func(args ...any) { rc.Log(fmt.Sprint(args...), SeverityInfo) },
		"warn":  func(args ...any) { rc.Log(fmt.Sprint(args...), SeverityWarning) },
		"error": func(args ...any) { rc.Log(fmt.Sprint(args...), SeverityError) },
	})

	if _, err := vm.RunProgram(prg); err != nil {
		return scriptErr(ctx, name, err)
	}

	entry, ok := entryPoint(vm, module)
	if !ok {
		return &ScriptError{Script: name, Err: errors.New("no execute function exported")}
	}

	jsCtx := scriptContext(ctx, vm, rc, httpc)
	res, err := entry(goja.Undefined(), jsCtx)
	if err != nil {
		return scriptErr(ctx, name, err)
	}

	// Async entry points return a promise; goja drains its job queue when the
	// outermost call returns, so it is settled unless the script awaits forever.
	if p, ok := res.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateRejected:
			return &ScriptError{Script: name, Err: fmt.Errorf("%v", p.Result())}
		case goja.PromiseStatePending:
			return &ScriptError{Script: name, Err: errors.New("promise never settled")}
		}
	}
	return nil
}

// entryPoint finds execute in module.exports, module.exports itself, or the global scope.
func entryPoint(vm *goja.Runtime, module *goja.Object) (goja.Callable, bool) {
	exp := module.Get("exports")
	if fn, ok := goja.AssertFunction(exp); ok {
		return fn, true
	}
	if obj, ok := exp.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(obj.Get("execute")); ok {
			return fn, true
		}
	}
	return goja.AssertFunction(vm.Get("execute"))
}

func scriptContext(ctx context.Context, vm *goja.Runtime, rc *Context, httpc *http.Client) *goja.Object {
	o := vm.NewObject()
	env := map[string]any{"id": rc.Env.ID, "name": rc.Env.Name}
	for k, v := range rc.Env.Meta {
		if _, taken := env[k]; !taken {
			env[k] = v
		}
	}
	cfg := rc.Config
	if cfg == nil {
		cfg = map[string]any{}
	}

	_ = o.Set("environmentId", rc.EnvID)
	_ = o.Set("environment", env)
	_ = o.Set("debugPort", rc.Endpoint.DebugPort)
	_ = o.Set("wsUrl", rc.Endpoint.WebSocketURL())
	_ = o.Set("webdriver", rc.Endpoint.WebDriver)
	_ = o.Set("config", cfg)

	_ = o.Set("log", func(msg string, typ goja.Value) {
		sev := SeverityInfo
		if typ != nil && !goja.IsUndefined(typ) && !goja.IsNull(typ) {
			sev = ParseSeverity(typ.String())
		}
		rc.Log(msg, sev)
	})
	_ = o.Set("sleep", func(ms int64) {
		if ms <= 0 {
			return
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			panic(vm.NewGoError(ctx.Err()))
		case <-t.C:
		}
	})
	_ = o.Set("fetchJSON", func(url string) any {
		v, err := fetchJSON(ctx, httpc, url)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return v
	})
	_ = o.Set("status", func() map[string]any {
		if rc.Client == nil {
			panic(vm.NewGoError(errors.New("no provider client")))
		}
		st, err := rc.Client.EnvironmentStatus(ctx, rc.EnvID)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return map[string]any{"status": st.Status, "localStatus": st.LocalStatus, "stopped": st.Stopped()}
	})
	return o
}

func fetchJSON(ctx context.Context, httpc *http.Client, url string) (any, error) {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch %s: http %d", url, resp.StatusCode)
	}
	var out any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return out, nil
}

func scriptErr(ctx context.Context, name string, err error) error {
	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		if cerr := ctx.Err(); cerr != nil {
			return &ScriptError{Script: name, Err: cerr}
		}
	}
	return &ScriptError{Script: name, Err: err}
}
