// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/selfmod/services/selfmod/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// HandleEventStream handles GET /v1/selfmod/events/stream.
//
// Description:
//
//	Upgrades to a websocket and writes one JSON events.Event per message
//	until the client disconnects or the server shuts down. Clients never
//	send data; anything they send is discarded.
//
// Query Parameters:
//
//	run_id: only events of this run
//	types:  comma-separated event types (stage_progress, output_line, ...)
//	replay: when true, recent buffered events are sent first
func (h *Handlers) HandleEventStream(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEventStream")
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "event stream unavailable", Code: "NO_EVENTS"})
		return
	}

	filter := streamFilter(c.Query("run_id"), c.Query("types"))

	// The stream exists before the handshake completes.
	ch, cancel := h.events.Stream(filter)
	defer cancel()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("event stream opened")

	// Replayed events may also be queued on ch.
	replayed := make(map[string]bool)
	if replay, _ := strconv.ParseBool(c.Query("replay")); replay {
		for _, ev := range h.events.Recent() {
			if !filter(&ev) {
				continue
			}
			if err := writeEvent(ws, ev); err != nil {
				return
			}
			replayed[ev.ID] = true
		}
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if replayed[ev.ID] {
				delete(replayed, ev.ID)
				continue
			}
			if err := writeEvent(ws, ev); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			logger.Info("event stream closed by client")
			return
		}
	}
}

func writeEvent(ws *websocket.Conn, ev events.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(ev)
}

func streamFilter(runID, types string) events.Filter {
	var want map[events.Type]bool
	if types != "" {
		want = make(map[events.Type]bool)
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				want[events.Type(t)] = true
			}
		}
	}
	return func(ev *events.Event) bool {
		if runID != "" && ev.RunID != runID {
			return false
		}
		if want != nil && !want[ev.Type] {
			return false
		}
		return true
	}
}
