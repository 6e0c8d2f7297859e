// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inbox applies plan documents dropped into a directory.
//
// Layout:
//
//	<dir>/             incoming *.yaml, *.yml and *.json plans
//	<dir>/processed/   plans whose run succeeded, with <name>.result.json
//	<dir>/failed/      unreadable plans and failed runs, with <name>.result.json
//
// A single worker applies plans one at a time, throttled by a token bucket.
// Files already present when Run starts are processed first, oldest first.
// Dotfiles are ignored so writers can stage a file and rename it into place.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/AleutianAI/selfmod/services/selfmod/plan"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
	resultSuffix = ".result.json"
)

// Applier runs a plan. *orchestrator.Orchestrator satisfies it.
type Applier interface {
	Apply(ctx context.Context, p *plan.ModificationPlan) (*orchestrator.ApplyResult, error)
}

// Config configures an Inbox.
type Config struct {
	// Dir is the watched directory. Created if missing.
	Dir string

	// Rate is plans per second; Burst the bucket size. A non-positive
	// rate disables throttling.
	Rate  float64
	Burst int

	// Debounce is how long a file must be quiet before it is queued.
	// Default: 250ms.
	Debounce time.Duration

	// QueueSize bounds queued plans. Default: 256.
	QueueSize int

	// OnProcessed is called after each plan is filed. Optional.
	OnProcessed func(Outcome)

	Logger *slog.Logger
}

// Outcome describes one processed plan.
type Outcome struct {
	// Source is the path the plan was read from.
	Source string `json:"source"`

	// Filed is where the plan document was moved.
	Filed string `json:"filed"`

	// ResultPath is the JSON result written beside Filed.
	ResultPath string `json:"-"`

	Result *orchestrator.ApplyResult `json:"result,omitempty"`

	// Error is set when the plan could not be parsed.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the plan was applied successfully.
func (o Outcome) Succeeded() bool {
	return o.Error == "" && o.Result != nil && o.Result.Success
}

// Inbox watches a directory and feeds plans to an Applier.
//
// # Thread Safety
//
// Run may be called once. Process is safe for concurrent use but Run
// already serializes its own calls.
type Inbox struct {
	cfg     Config
	applier Applier
	limiter *rate.Limiter
	logger  *slog.Logger

	queue chan string

	mu     sync.Mutex
	queued map[string]bool
}

// New creates the inbox directories and returns an Inbox.
func New(cfg Config, applier Applier) (*Inbox, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox: Dir is required")
	}
	if applier == nil {
		return nil, errors.New("inbox: applier is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, d := range []string{cfg.Dir, filepath.Join(cfg.Dir, processedDir), filepath.Join(cfg.Dir, failedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating inbox directory: %w", err)
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	return &Inbox{
		cfg:     cfg,
		applier: applier,
		limiter: limiter,
		logger:  logger.With("component", "inbox.Inbox", "dir", cfg.Dir),
		queue:   make(chan string, cfg.QueueSize),
		queued:  make(map[string]bool),
	}, nil
}

// Run watches the directory until ctx is done. A plan being applied when
// ctx ends is finished first.
func (in *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.cfg.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", in.cfg.Dir, err)
	}

	if err := in.scan(); err != nil {
		return err
	}
	in.logger.Info("inbox watching")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return in.work(gctx) })
	g.Go(func() error { return in.watch(gctx, watcher) })
	err = g.Wait()
	in.logger.Info("inbox stopped")
	return err
}

// scan queues plans already in the directory, oldest first.
func (in *Inbox) scan() error {
	entries, err := os.ReadDir(in.cfg.Dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	type candidate struct {
		path string
		mod  time.Time
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || !accept(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{filepath.Join(in.cfg.Dir, e.Name()), info.ModTime()})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].mod.Before(found[j].mod) })
	for _, c := range found {
		in.enqueue(c.path)
	}
	return nil
}

func (in *Inbox) watch(ctx context.Context, watcher *fsnotify.Watcher) error {
	pending := make(map[string]bool)
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			in.enqueue(p)
		}
		clear(pending)
		timer, timerC = nil, nil
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("inbox: watcher closed")
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(in.cfg.Dir) || !accept(filepath.Base(event.Name)) {
				continue
			}
			pending[event.Name] = true
			if timer == nil {
				timer = time.NewTimer(in.cfg.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(in.cfg.Debounce)
			}

		case <-timerC:
			flush()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("inbox: watcher closed")
			}
			in.logger.Warn("watcher error", "error", err)
		}
	}
}

func (in *Inbox) enqueue(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.queued[path] {
		return
	}
	select {
	case in.queue <- path:
		in.queued[path] = true
	default:
		in.logger.Warn("inbox queue full; plan left for the next start", "path", path)
	}
}

func (in *Inbox) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case path := <-in.queue:
			in.mu.Lock()
			delete(in.queued, path)
			in.mu.Unlock()

			if _, err := os.Stat(path); err != nil {
				continue
			}
			if _, err := in.Process(ctx, path); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				in.logger.Error("processing plan failed", "path", path, "error", err)
			}
		}
	}
}

// Process applies one plan file and files it with its result.
//
// # Outputs
//
//   - Outcome: Where the plan and result were written.
//   - error: Non-nil when the plan was left in place, such as when ctx
//     ended while waiting for the rate limiter or the pipeline.
func (in *Inbox) Process(ctx context.Context, path string) (Outcome, error) {
	out := Outcome{Source: path}

	p, err := plan.Load(path)
	if err != nil {
		out.Error = err.Error()
		in.logger.Warn("rejecting unreadable plan", "path", path, "error", err)
		return out, in.file(&out, failedDir)
	}

	if err := in.limiter.Wait(ctx); err != nil {
		return out, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	in.logger.Info("applying plan", "path", path, "plan_id", p.ID, "plan", p.Name)
	res, err := in.applier.Apply(ctx, p)
	if err != nil {
		return out, fmt.Errorf("applying %s: %w", filepath.Base(path), err)
	}
	out.Result = res

	dest := processedDir
	if !res.Success {
		dest = failedDir
	}
	if err := in.file(&out, dest); err != nil {
		return out, err
	}
	in.logger.Info("plan filed",
		"plan_id", p.ID,
		"run_id", res.RunID,
		"success", res.Success,
		"filed", out.Filed)
	return out, nil
}

// file moves the plan into sub and writes its result beside it.
func (in *Inbox) file(out *Outcome, sub string) error {
	dir := filepath.Join(in.cfg.Dir, sub)
	name := filepath.Base(out.Source)
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		name = time.Now().UTC().Format("20060102T150405.000000000") + "-" + name
		target = filepath.Join(dir, name)
	}

	if err := os.Rename(out.Source, target); err != nil {
		return fmt.Errorf("filing plan: %w", err)
	}
	out.Filed = target
	out.ResultPath = target + resultSuffix

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := os.WriteFile(out.ResultPath, data, 0o644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}

	if in.cfg.OnProcessed != nil {
		in.cfg.OnProcessed(*out)
	}
	return nil
}

func accept(name string) bool {
	return !strings.HasPrefix(name, ".") &&
		!strings.HasSuffix(name, resultSuffix) &&
		plan.IsDocumentFile(name)
}
