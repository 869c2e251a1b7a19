package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"envfleet/internal/report"
	logx "envfleet/pkg/logx"
)

// fileStore writes each run summary as an indented JSON document:
//
//	<dir>/<startedAt>-<runID>.json
//
// startedAt uses a sortable UTC layout so a directory listing is already in
// chronological order. Writes go through a temp file and rename.
type fileStore struct {
	log    logx.Logger
	dir    string
	retain int

	mu     sync.Mutex
	closed bool
}

const fileTimeLayout = "20060102T150405.000Z"

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, retain: cfg.Retain}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) SaveRun(ctx context.Context, sum report.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sum.RunID) == "" {
		return errors.New("save run: empty run id")
	}
	b, err := json.MarshalIndent(sum, "", "  ")
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	name := sum.StartedAt.UTC().Format(fileTimeLayout) + "-" + sum.RunID + ".json"
	final := filepath.Join(s.dir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.log.Debug("run saved", logx.String("run", sum.RunID), logx.String("file", name))
	if s.retain > 0 {
		s.pruneLocked()
	}
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, limit int) ([]report.Summary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.namesLocked()
	if err != nil {
		return nil, err
	}
	out := make([]report.Summary, 0, min(limit, len(names)))
	for i := len(names) - 1; i >= 0 && len(out) < limit; i-- {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		sum, err := readSummary(filepath.Join(s.dir, names[i]))
		if err != nil {
			s.log.Warn("skip unreadable run file", logx.String("file", names[i]), logx.Err(err))
			continue
		}
		sum.Outcomes = nil
		out = append(out, sum)
	}
	return out, nil
}

func (s *fileStore) GetRun(ctx context.Context, id string) (report.Summary, error) {
	if err := ctx.Err(); err != nil {
		return report.Summary{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) {
		return report.Summary{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.namesLocked()
	if err != nil {
		return report.Summary{}, err
	}
	for _, n := range names {
		if strings.HasSuffix(n, "-"+id+".json") {
			return readSummary(filepath.Join(s.dir, n))
		}
	}
	return report.Summary{}, ErrNotFound
}

func (s *fileStore) namesLocked() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) pruneLocked() {
	names, err := s.namesLocked()
	if err != nil || len(names) <= s.retain {
		return
	}
	for _, n := range names[:len(names)-s.retain] {
		if err := os.Remove(filepath.Join(s.dir, n)); err != nil {
			s.log.Warn("prune run file failed", logx.String("file", n), logx.Err(err))
		}
	}
}

func readSummary(path string) (report.Summary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return report.Summary{}, err
	}
	var sum report.Summary
	if err := json.Unmarshal(b, &sum); err != nil {
		return report.Summary{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return sum, nil
}
