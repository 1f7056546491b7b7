// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent/events"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/datatypes"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/observability"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	return w.ws.WriteJSON(v)
}

func (w *wsConn) ping() error {
	return w.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Emit writes ev as one text frame.
func (w *wsConn) Emit(_ context.Context, ev events.Event) error {
	return w.writeJSON(ev)
}

// HandleChatWebSocket upgrades the connection and runs one turn per
// client frame.
//
// # Description
//
// Each text frame must be a datatypes.ChatRequest. Events of the turn are
// written back as JSON frames, ending with done or error; the next
// request is read only after that. An invalid frame is answered with an
// error event and the connection stays open. A request without a thread
// id continues the thread of the previous turn on this connection.
//
// # Thread Safety
//
// One goroutine reads; writes are serialized by wsConn.
func (h *ChatHandler) HandleChatWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &wsConn{ws: ws}
	ws.SetReadLimit(int64(h.maxQueryBytes) + 4096)

	h.streamStarted(observability.EndpointWebSocket)
	defer h.streamEnded(observability.EndpointWebSocket)

	clientCtx, clientGone := context.WithCancel(c.Request.Context())

	var pingers sync.WaitGroup
	pingers.Add(1)
	go func() {
		defer pingers.Done()
		h.runPinger(clientCtx, conn)
	}()
	defer pingers.Wait()
	defer clientGone()

	threadID := ""
	for {
		var req datatypes.ChatRequest
		if err := ws.ReadJSON(&req); err != nil {
			h.logger.Debug("websocket client disconnected", "error", err)
			return
		}
		if req.ThreadID == "" {
			req.ThreadID = threadID
		}
		if err := req.Validate(h.maxQueryBytes); err != nil {
			if werr := conn.writeJSON(events.Event{Kind: events.KindError, Data: events.Data{
				ThreadID: req.ThreadID,
				Error:    "invalid request: " + err.Error(),
			}}); werr != nil {
				return
			}
			continue
		}

		ctx, cancel := h.turnContext(clientCtx)
		rec, err := h.runner.Run(ctx, req.TurnRequest(), conn)
		cancel()
		switch {
		case rec != nil:
			threadID = rec.ThreadID
		case err != nil:
			h.logger.Debug("websocket turn ended with error", "error", err)
		}
		if clientCtx.Err() != nil {
			return
		}
	}
}

// runPinger sends pings until ctx ends.
func (h *ChatHandler) runPinger(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordKeepAlive(observability.EndpointWebSocket)
			}
		}
	}
}
