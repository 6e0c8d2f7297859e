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
	"sync"
	"testing"

	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEmitter_SubscribeByType(t *testing.T) {
	e := NewEmitter()
	var got []Type
	e.Subscribe(func(ev *Event) { got = append(got, ev.Type) }, TypeInvariantChecked)

	e.StageProgress("r1", "build", StatusRunning, "")
	e.InvariantChecked("r1", invariant.Result{ID: "energy.min", Passed: true})
	e.OutputLine("r1", "build", "stdout", "ok")

	assert.Equal(t, []Type{TypeInvariantChecked}, got)
	assert.Len(t, e.Recent(), 3)
}

func TestEmitter_FilterAndUnsubscribe(t *testing.T) {
	e := NewEmitter()
	count := 0
	id := e.SubscribeWithFilter(func(*Event) { count++ }, func(ev *Event) bool { return ev.RunID == "keep" })

	e.StageProgress("keep", "build", StatusRunning, "")
	e.StageProgress("drop", "build", StatusRunning, "")
	assert.Equal(t, 1, count)

	assert.True(t, e.Unsubscribe(id))
	assert.False(t, e.Unsubscribe(id))
	e.StageProgress("keep", "build", StatusCompleted, "")
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, e.SubscriptionCount())
}

func TestEmitter_HandlerPanicIsSwallowed(t *testing.T) {
	e := NewEmitter()
	reached := false
	e.Subscribe(func(*Event) { panic("observer bug") })
	e.Subscribe(func(*Event) { reached = true })

	require.NotPanics(t, func() {
		e.StageProgress("r", "test", StatusFailed, "exit 1")
	})
	assert.True(t, reached)
}

func TestEmitter_RingBuffer(t *testing.T) {
	e := NewEmitter(WithBufferSize(3))
	for i := 0; i < 5; i++ {
		e.OutputLine("r", "build", "stdout", string(rune('a'+i)))
	}
	recent := e.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, "c", recent[0].Line)
	assert.Equal(t, "e", recent[2].Line)
}

func TestEmitter_RecentForRun(t *testing.T) {
	e := NewEmitter()
	e.StageProgress("a", "build", StatusRunning, "")
	e.StageProgress("b", "build", StatusRunning, "")
	e.RunFinished("a", true, "")

	evs := e.RecentForRun("a")
	require.Len(t, evs, 2)
	require.NotNil(t, evs[1].Success)
	assert.True(t, *evs[1].Success)
}

func TestEmitter_StreamDropsWhenFull(t *testing.T) {
	e := NewEmitter(WithStreamSize(2))
	ch, cancel := e.Stream(nil)
	defer cancel()

	for i := 0; i < 5; i++ {
		e.OutputLine("r", "test", "stdout", "line")
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, int64(3), e.Dropped())
}

func TestEmitter_StreamFilterAndCancel(t *testing.T) {
	e := NewEmitter()
	ch, cancel := e.Stream(func(ev *Event) bool { return ev.Type == TypeRunFinished })

	e.StageProgress("r", "build", StatusRunning, "")
	e.RunFinished("r", false, "verification")

	ev := <-ch
	assert.Equal(t, TypeRunFinished, ev.Type)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestEmitter_CloseClosesStreams(t *testing.T) {
	e := NewEmitter()
	ch, cancel := e.Stream(nil)
	e.Close()
	e.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Emitting after close is a no-op.
	e.StageProgress("r", "build", StatusRunning, "")
	assert.Empty(t, e.RecentForRun("r"))

	late, _ := e.Stream(nil)
	_, open = <-late
	assert.False(t, open)
}

func TestEmitter_ConcurrentEmit(t *testing.T) {
	e := NewEmitter(WithBufferSize(10000))
	ch, cancel := e.Stream(nil)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.OutputLine("r", "build", "stdout", "x")
			}
		}()
	}
	wg.Wait()

	assert.Len(t, e.Recent(), 400)
	assert.Equal(t, int64(400), int64(len(ch))+e.Dropped())
}

func TestRecorder(t *testing.T) {
	var s Sink = NewRecorder()
	s.StageProgress("r", "build", StatusRunning, "")
	s.StageProgress("r", "build", StatusCompleted, "")
	s.InvariantChecked("r", invariant.Result{ID: "x"})

	rec := s.(*Recorder)
	assert.Equal(t, []string{"build:running", "build:completed"}, rec.Stages())
	assert.Len(t, rec.ByType(TypeInvariantChecked), 1)

	var _ Finisher = rec
	var _ Sink = NopSink{}
}

type panickySink struct{ NopSink }

func (panickySink) StageProgress(string, string, StageStatus, string) { panic("sink bug") }

func TestSafe(t *testing.T) {
	s := Safe(panickySink{}, nil)
	assert.NotPanics(t, func() {
		s.StageProgress("r", "build", StatusRunning, "")
		s.OutputLine("r", "build", "stdout", "x")
	})
	assert.Same(t, s, Safe(s, nil))
	assert.IsType(t, NopSink{}, Safe(nil, nil))

	rec := NewRecorder()
	Safe(rec, nil).(Finisher).RunFinished("r", true, "")
	assert.Len(t, rec.ByType(TypeRunFinished), 1)
}

func TestFanout(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	s := Fanout(a, nil, panickySink{}, b)

	assert.NotPanics(t, func() {
		s.StageProgress("r", "edit", StatusCompleted, "")
		s.OutputLine("r", "build", "stdout", "ok")
		s.(Finisher).RunFinished("r", false, "verification failed")
	})

	for _, rec := range []*Recorder{a, b} {
		assert.Equal(t, []string{"edit:completed"}, rec.Stages())
		assert.Len(t, rec.ByType(TypeOutputLine), 1)
		assert.Len(t, rec.ByType(TypeRunFinished), 1)
	}
}
