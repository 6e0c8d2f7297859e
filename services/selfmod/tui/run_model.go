// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/selfmod/pkg/ux"
	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/AleutianAI/selfmod/services/selfmod/invariant"
	"github.com/AleutianAI/selfmod/services/selfmod/orchestrator"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// Sink
// =============================================================================

// ChannelSink is an events.Sink that queues events for a RunModel. Events
// are dropped when the queue is full.
type ChannelSink struct {
	ch      chan events.Event
	dropped atomic.Int64
}

// NewChannelSink returns a sink with room for size queued events.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 256
	}
	return &ChannelSink{ch: make(chan events.Event, size)}
}

func (s *ChannelSink) push(ev events.Event) {
	ev.Timestamp = time.Now()
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) StageProgress(runID, stage string, status events.StageStatus, detail string) {
	s.push(events.Event{Type: events.TypeStageProgress, RunID: runID, Stage: stage, Status: status, Detail: detail})
}

func (s *ChannelSink) InvariantChecked(runID string, result invariant.Result) {
	r := result
	s.push(events.Event{Type: events.TypeInvariantChecked, RunID: runID, Invariant: &r})
}

func (s *ChannelSink) OutputLine(runID, stage, stream, line string) {
	s.push(events.Event{Type: events.TypeOutputLine, RunID: runID, Stage: stage, Stream: stream, Line: line})
}

// Dropped returns how many events did not fit in the queue.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// =============================================================================
// Messages
// =============================================================================

// EventMsg carries one pipeline event into the model.
type EventMsg events.Event

// DoneMsg reports that the Apply call returned.
type DoneMsg struct {
	Result *orchestrator.ApplyResult
	Err    error
}

// =============================================================================
// Model
// =============================================================================

type stageRow struct {
	name   string
	status events.StageStatus
	detail string
}

// RunModel shows live stage progress for one Apply.
//
// # Description
//
// The model starts run in a command, reads events from the sink queue one
// at a time and quits when run returns. Pressing q or ctrl+c calls
// interrupt and detaches; the run itself finishes in the background.
type RunModel struct {
	title     string
	run       func() DoneMsg
	interrupt func()
	events    <-chan events.Event

	spinner spinner.Model
	stages  []stageRow
	index   map[string]int
	output  []string
	width   int

	done        *DoneMsg
	interrupted bool
}

// NewRunModel creates a model. interrupt may be nil.
func NewRunModel(title string, sink *ChannelSink, run func() DoneMsg, interrupt func()) RunModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ux.ColorTealBright)
	return RunModel{
		title:     title,
		run:       run,
		interrupt: interrupt,
		events:    sink.ch,
		spinner:   sp,
		index:     make(map[string]int),
	}
}

// Init implements tea.Model.
func (m RunModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events), m.runCmd())
}

func (m RunModel) runCmd() tea.Cmd {
	run := m.run
	return func() tea.Msg { return run() }
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return EventMsg(<-ch)
	}
}

// Update implements tea.Model.
func (m RunModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.interrupted = true
			if m.interrupt != nil {
				m.interrupt()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case EventMsg:
		m.apply(events.Event(msg))
		return m, waitForEvent(m.events)

	case DoneMsg:
		m.done = &msg
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *RunModel) apply(ev events.Event) {
	switch ev.Type {
	case events.TypeStageProgress:
		i, ok := m.index[ev.Stage]
		if !ok {
			i = len(m.stages)
			m.index[ev.Stage] = i
			m.stages = append(m.stages, stageRow{name: ev.Stage})
		}
		m.stages[i].status = ev.Status
		m.stages[i].detail = ev.Detail
	case events.TypeOutputLine:
		m.output = append(m.output, ev.Line)
		if len(m.output) > outputTailLines/2 {
			m.output = m.output[len(m.output)-outputTailLines/2:]
		}
	case events.TypeInvariantChecked:
		if ev.Invariant != nil {
			status := events.StatusCompleted
			if !ev.Invariant.Passed {
				status = events.StatusFailed
			}
			name := "invariant " + ev.Invariant.ID
			m.index[name] = len(m.stages)
			m.stages = append(m.stages, stageRow{name: name, status: status, detail: ev.Invariant.Message})
		}
	}
}

// View implements tea.Model.
func (m RunModel) View() string {
	var b strings.Builder
	b.WriteString(ux.Styles.Title.Render(m.title))
	b.WriteString("\n\n")

	for _, st := range m.stages {
		var icon string
		if st.status == events.StatusRunning {
			icon = m.spinner.View()
		} else {
			icon = stageIcon(st.status).Render()
		}
		line := fmt.Sprintf("%s %s", icon, ux.Label(st.name))
		if st.detail != "" {
			line += " " + ux.Styles.Muted.Render(ux.Truncate(st.detail, m.detailWidth()))
		}
		b.WriteString(line + "\n")
	}
	if len(m.stages) == 0 {
		b.WriteString(m.spinner.View() + " starting\n")
	}

	if len(m.output) > 0 {
		b.WriteString("\n")
		for _, l := range m.output {
			b.WriteString(ux.Styles.Muted.Render("  " + ux.Truncate(l, m.detailWidth()+20)))
			b.WriteString("\n")
		}
	}

	if m.done == nil && !m.interrupted {
		b.WriteString("\n" + ux.Styles.Muted.Render("q to detach") + "\n")
	}
	return b.String()
}

func (m RunModel) detailWidth() int {
	if m.width > 40 {
		return m.width - 30
	}
	return 60
}

// Done returns the outcome once the run has returned.
func (m RunModel) Done() (DoneMsg, bool) {
	if m.done == nil {
		return DoneMsg{}, false
	}
	return *m.done, true
}

// Interrupted reports whether the user detached.
func (m RunModel) Interrupted() bool { return m.interrupted }
