// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
	"github.com/google/uuid"
)

// Handler processes events synchronously on the emitting goroutine.
type Handler func(event *Event)

// Filter determines if an event should be delivered.
type Filter func(event *Event) bool

type subscription struct {
	id      string
	handler Handler
	filter  Filter
	types   []Type
}

type stream struct {
	ch     chan Event
	filter Filter
}

// Emitter broadcasts events to subscribers and keeps a ring buffer of
// recent events.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	streams       map[string]*stream
	buffer        []Event
	bufferSize    int
	streamSize    int
	closed        bool
	dropped       atomic.Int64
	logger        *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the ring buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// WithStreamSize sets the per-stream channel capacity.
func WithStreamSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.streamSize = size
		}
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*subscription),
		streams:       make(map[string]*stream),
		bufferSize:    1000,
		streamSize:    256,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "events.Emitter")
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for events of the given types (none = all).
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		filter:  filter,
		types:   types,
	}
	e.subscriptions[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a handler subscription.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Stream returns a channel receiving every matching event and a cancel
// function that unregisters and closes it.
//
// Description:
//
//	Sends are non-blocking. When the channel is full the event is dropped
//	for that stream and counted in Dropped(). After Close the returned
//	channel is already closed.
func (e *Emitter) Stream(filter Filter) (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := &stream{ch: make(chan Event, e.streamSize), filter: filter}
	if e.closed {
		close(s.ch)
		return s.ch, func() {}
	}

	id := uuid.NewString()
	e.streams[id] = s

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.streams[id]; ok {
				delete(e.streams, id)
				close(s.ch)
			}
		})
	}
	return s.ch, cancel
}

// Emit stamps and broadcasts an event.
//
// Thread Safety: This method is safe for concurrent use.
func (e *Emitter) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, event)

	subs := make([]*subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	for _, s := range e.streams {
		if s.filter != nil && !s.filter(&event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			e.dropped.Add(1)
		}
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if shouldHandle(sub, &event) {
			e.safeInvokeHandler(sub.handler, &event)
		}
	}
}

// StageProgress implements Sink.
func (e *Emitter) StageProgress(runID, stage string, status StageStatus, detail string) {
	e.Emit(Event{Type: TypeStageProgress, RunID: runID, Stage: stage, Status: status, Detail: detail})
}

// InvariantChecked implements Sink.
func (e *Emitter) InvariantChecked(runID string, result invariant.Result) {
	r := result
	e.Emit(Event{Type: TypeInvariantChecked, RunID: runID, Invariant: &r})
}

// OutputLine implements Sink.
func (e *Emitter) OutputLine(runID, stage, streamName, line string) {
	e.Emit(Event{Type: TypeOutputLine, RunID: runID, Stage: stage, Stream: streamName, Line: line})
}

// RunFinished implements Finisher.
func (e *Emitter) RunFinished(runID string, success bool, detail string) {
	ok := success
	e.Emit(Event{Type: TypeRunFinished, RunID: runID, Success: &ok, Detail: detail})
}

// safeInvokeHandler calls a handler, recovering and logging any panic.
func (e *Emitter) safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

func shouldHandle(sub *subscription, event *Event) bool {
	if len(sub.types) > 0 {
		match := false
		for _, t := range sub.types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.filter != nil && !sub.filter(event) {
		return false
	}
	return true
}

// Recent returns a copy of buffered events, oldest first.
func (e *Emitter) Recent() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// RecentForRun returns buffered events belonging to one run.
func (e *Emitter) RecentForRun(runID string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, ev := range e.buffer {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns how many stream deliveries were dropped on full channels.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// SubscriptionCount returns the number of handler subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Close closes every stream and stops delivery. Safe to call repeatedly.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for id, s := range e.streams {
		close(s.ch)
		delete(e.streams, id)
	}
	e.subscriptions = make(map[string]*subscription)
}

// Recorder is a Sink that keeps every event in memory, for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) add(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Timestamp = time.Now()
	r.events = append(r.events, ev)
}

// StageProgress records a stage event.
func (r *Recorder) StageProgress(runID, stage string, status StageStatus, detail string) {
	r.add(Event{Type: TypeStageProgress, RunID: runID, Stage: stage, Status: status, Detail: detail})
}

// InvariantChecked records an invariant event.
func (r *Recorder) InvariantChecked(runID string, result invariant.Result) {
	res := result
	r.add(Event{Type: TypeInvariantChecked, RunID: runID, Invariant: &res})
}

// OutputLine records an output line.
func (r *Recorder) OutputLine(runID, stage, streamName, line string) {
	r.add(Event{Type: TypeOutputLine, RunID: runID, Stage: stage, Stream: streamName, Line: line})
}

// RunFinished records the final outcome.
func (r *Recorder) RunFinished(runID string, success bool, detail string) {
	ok := success
	r.add(Event{Type: TypeRunFinished, RunID: runID, Success: &ok, Detail: detail})
}

// Events returns a copy of recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events of one type.
func (r *Recorder) ByType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Stages returns "stage:status" pairs in emission order.
func (r *Recorder) Stages() []string {
	var out []string
	for _, ev := range r.ByType(TypeStageProgress) {
		out = append(out, ev.Stage+":"+string(ev.Status))
	}
	return out
}
