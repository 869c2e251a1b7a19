package server

import (
	"net/http"
	hpprof "net/http/pprof"
	"runtime"

	"github.com/go-chi/chi/v5"
)

// PprofConfig mounts the runtime profiler on the control API.
type PprofConfig struct {
	Enabled              bool
	MutexProfileFraction int
	BlockProfileRate     int
}

func applyProfileRates(cfg PprofConfig) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func mountPprof(r chi.Router) {
	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", hpprof.Index)
		r.Get("/cmdline", hpprof.Cmdline)
		r.Get("/profile", hpprof.Profile)
		r.Get("/symbol", hpprof.Symbol)
		r.Post("/symbol", hpprof.Symbol)
		r.Get("/trace", hpprof.Trace)
		// Named profiles (heap, goroutine, block, mutex, ...).
		r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
			hpprof.Handler(chi.URLParam(req, "name")).ServeHTTP(w, req)
		})
	})
}
