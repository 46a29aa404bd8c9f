package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/macaulishchina/AI-Studio/internal/store"
)

const keepaliveInterval = 15 * time.Second

// streamEvents is the shared replay-then-live pump behind both
// transports. The bus subscription opens before the durable catch-up
// so nothing falls between the two phases; the cursor filters the
// overlap. A counted drop on the subscription means the live stream
// has a gap, so the pump resyncs from the durable log before
// continuing. keepalive may be nil.
func (s *Server) streamEvents(ctx context.Context, projectID string, fromEventID int64, send func(store.TaskEvent) error, keepalive func() error) error {
	sub := s.cfg.Bus.Subscribe("events." + projectID)
	defer s.cfg.Bus.Unsubscribe(sub)

	rawSend := send
	send = func(e store.TaskEvent) error {
		if err := rawSend(e); err != nil {
			return err
		}
		s.cfg.Metrics.EventsDelivered.Add(ctx, 1)
		return nil
	}

	cursor, err := s.replay(ctx, projectID, fromEventID, send)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	var seenDrops int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if keepalive != nil {
				if err := keepalive(); err != nil {
					return err
				}
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			if d := sub.Dropped(); d > seenDrops {
				seenDrops = d
				cursor, err = s.replay(ctx, projectID, cursor, send)
				if err != nil {
					return err
				}
				continue
			}
			event, ok := ev.Payload.(store.TaskEvent)
			if !ok {
				continue
			}
			if event.EventID <= cursor {
				continue
			}
			if err := send(event); err != nil {
				return err
			}
			cursor = event.EventID
		}
	}
}

// replay pages missed events out of the durable log in order.
func (s *Server) replay(ctx context.Context, projectID string, from int64, send func(store.TaskEvent) error) (int64, error) {
	for {
		events, err := s.cfg.Store.ListProjectEventsFrom(ctx, projectID, from, replayBatchSize)
		if err != nil {
			return from, fmt.Errorf("replay events: %w", err)
		}
		for _, e := range events {
			if err := send(e); err != nil {
				return from, err
			}
			from = e.EventID
		}
		if len(events) < replayBatchSize {
			return from, nil
		}
	}
}

// handleSSE implements GET /api/v1/events?project_id=X. Reconnecting
// clients resume losslessly via the standard Last-Event-ID header (or
// a from query parameter); each message carries the global event id.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	from := resumeCursor(r)
	err := s.streamEvents(r.Context(), projectID, from, func(e store.TaskEvent) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.EventID, e.EventType, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, func() error {
		if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && err != context.Canceled {
		slog.Debug("sse stream ended", "project_id", projectID, "error", err)
	}
}

// resumeCursor reads Last-Event-ID (set automatically by EventSource
// on reconnect) with a from query parameter fallback for first loads.
func resumeCursor(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// handleWebSocket implements GET /api/v1/ws?project_id=X&from=N with
// the same event vocabulary and replay behavior as SSE.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing we act on; the read pump exists to
	// observe the close handshake and pong frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	from := resumeCursor(r)
	err = s.streamEvents(ctx, projectID, from, func(e store.TaskEvent) error {
		writeCtx, cancelWrite := context.WithTimeout(ctx, 10*time.Second)
		defer cancelWrite()
		return wsjson.Write(writeCtx, conn, e)
	}, func() error {
		pingCtx, cancelPing := context.WithTimeout(ctx, 10*time.Second)
		defer cancelPing()
		return conn.Ping(pingCtx)
	})
	if err != nil && err != context.Canceled {
		slog.Debug("websocket stream ended", "project_id", projectID, "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
