package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentworkforce/relaygraph/internal/relaygraph"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 10 * time.Second

// handleEvents streams change events as text/event-stream. The first frame is
// "data: connected"; idle periods carry ": keep-alive" comment lines.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	correlationID := getCorrelationID(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported", correlationID)
		return
	}
	if s.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream unavailable", correlationID)
		return
	}
	sub, err := s.broadcaster.Subscribe(r.Context(), workspaceID)
	if err != nil {
		s.writeSubscribeError(w, err, correlationID)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := s.logger.With(zap.String("workspaceID", workspaceID), zap.String("subscriptionID", sub.ID))
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				logger.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-sub.KeepAlive():
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event relaygraph.ChangeEvent) error {
	if event.ChangeKind == relaygraph.ChangeConnected {
		_, err := fmt.Fprint(w, "data: connected\n\n")
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.EventID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.EventID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// handleWebSocket carries the same subscription as JSON messages. Keep-alive
// ticks become websocket pings.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	correlationID := getCorrelationID(r)
	if s.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream unavailable", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.String("workspaceID", workspaceID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	sub, err := s.broadcaster.Subscribe(ctx, workspaceID)
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "event stream unavailable")
		return
	}
	defer sub.Close()

	logger := s.logger.With(zap.String("workspaceID", workspaceID), zap.String("subscriptionID", sub.ID))
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-sub.KeepAlive():
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug("websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *Server) writeSubscribeError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, relaygraph.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream unavailable", correlationID)
	case errors.Is(err, relaygraph.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "subscribe failed", correlationID)
	}
}
