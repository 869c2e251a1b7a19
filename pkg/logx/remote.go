package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Telegram caps messages at 4096 characters.
const (
	remoteMaxLen   = 3500
	remoteFieldLen = 600
)

// Fields shown first in a remote message, in this order.
var remoteLeadFields = []string{"comp", "run_id", "task", "env_id", "routine"}

// remoteSink is a zerolog.LevelWriter that queues rendered lines for a
// background worker. It never blocks the caller.
type remoteSink struct {
	mu       sync.Mutex
	sender   Sender
	limiter  *rate.Limiter
	minLevel Level
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}

	queue chan string
}

func newRemoteSink(sender Sender) *remoteSink {
	return &remoteSink{sender: sender, queue: make(chan string, 256), minLevel: LevelWarn}
}

func (r *remoteSink) setSender(s Sender) {
	r.mu.Lock()
	r.sender = s
	r.mu.Unlock()
}

func (r *remoteSink) configure(cfg RemoteConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minLevel = ParseLevel(cfg.MinLevel, LevelWarn)
	rps := max(1, cfg.RatePerSec)
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.Enabled && !r.started {
		ctx, cancel := context.WithCancel(context.Background())
		r.started, r.cancel, r.done = true, cancel, make(chan struct{})
		go r.run(ctx)
	}
}

func (r *remoteSink) stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *remoteSink) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			r.mu.Lock()
			sender := r.sender
			r.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_ = sender.SendText(sctx, msg)
			cancel()
		}
	}
}

func (r *remoteSink) Write(p []byte) (int, error) { return r.WriteLevel(LevelInfo, p) }

func (r *remoteSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	ok := r.sender != nil && r.limiter != nil && level >= r.minLevel
	lim := r.limiter
	r.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	select {
	case r.queue <- renderRemote(p):
	default:
	}
	return len(p), nil
}

// renderRemote turns a JSON log line into "[LEVEL] message" followed by one
// "- key=value" line per field, run identifiers first.
func renderRemote(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return clip(line, remoteMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	for _, k := range []string{"time", "level", "message", zerolog.CallerFieldName} {
		delete(m, k)
	}
	emit := func(k string) {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), remoteFieldLen))
		delete(m, k)
	}
	for _, k := range remoteLeadFields {
		if _, ok := m[k]; ok {
			emit(k)
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		emit(k)
	}
	return clip(b.String(), remoteMaxLen)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
