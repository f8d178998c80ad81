package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/shsh-forge/internal/progress"
)

// lastSeenSeq reads the replay position from the Last-Event-ID header, the
// lastEventId query parameter (EventSource polyfills) or "after".
func lastSeenSeq(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

// StreamProgress streams a thread's generation events over SSE. Events carry
// their sequence number as the SSE id, so a reconnecting client resumes
// after the last event it saw. Closing the stream never affects the run.
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	after := lastSeenSeq(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, errStreamingNotSupported)
		return
	}

	sub, err := h.svc.SubscribeProgress(threadID, after)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer h.svc.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "thread_id", threadID)
		return
	}
	flusher.Flush()

	slog.Info("Progress stream connected", "thread_id", threadID, "last_event_id", after, "replay", len(sub.Replay))

	for _, ev := range sub.Replay {
		if err := writeEvent(w, ev); err != nil {
			slog.Warn("failed to write SSE replay event", "error", err, "thread_id", threadID)
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Progress stream disconnected", "thread_id", threadID)
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "thread_id", threadID)
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE frame. Heartbeats carry no id so they do not move
// the client's replay position.
func writeEvent(w io.Writer, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Kind == progress.KindHeartbeat {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}

// ProgressSocket streams the same events as StreamProgress over a WebSocket.
// The socket closes with a normal status after the terminal event, or with
// "try again later" when the subscriber fell behind and must resume.
func (h *Handler) ProgressSocket(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	after := lastSeenSeq(r)

	sub, err := h.svc.SubscribeProgress(threadID, after)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer h.svc.Unsubscribe(sub)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "thread_id", threadID)
		return
	}
	defer func() {
		if closeErr := ws.CloseNow(); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "thread_id", threadID)
		}
	}()

	ctx := ws.CloseRead(r.Context())

	for _, ev := range sub.Replay {
		if err := h.writeSocketEvent(ctx, ws, ev); err != nil {
			slog.Debug("Progress socket write failed", "error", err, "thread_id", threadID)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("Progress socket disconnected", "thread_id", threadID)
			return
		case ev, ok := <-sub.C():
			if !ok {
				if h.svc.Dropped(sub) {
					_ = ws.Close(websocket.StatusTryAgainLater, "resubscribe from last seq")
				} else {
					_ = ws.Close(websocket.StatusNormalClosure, "run finished")
				}
				return
			}
			if err := h.writeSocketEvent(ctx, ws, ev); err != nil {
				slog.Debug("Progress socket write failed", "error", err, "thread_id", threadID)
				return
			}
		}
	}
}

func (h *Handler) writeSocketEvent(ctx context.Context, ws *websocket.Conn, ev progress.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultWSWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
