package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberelf/claude-code-server/internal/events"
	"github.com/cyberelf/claude-code-server/internal/task"
)

// writeWait bounds every frame write to a client.
const writeWait = 10 * time.Second

// createUpgrader creates a WebSocket upgrader with origin validation.
// WebSocket upgrades bypass CORS, so origins are checked here.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser client.
				return true
			}
			if isOriginAllowed(origin, s.config.AllowedOrigins) {
				return true
			}
			s.logger.Warn("WebSocket origin rejected", "origin", origin)
			return false
		},
	}
}

// isOriginAllowed checks origin against the allowed list, which may hold
// "*", exact origins, or wildcard subdomain patterns like
// "https://*.example.com".
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	prefix, suffix, ok := strings.Cut(pattern, "*")
	if !ok {
		return false
	}
	if len(origin) <= len(prefix)+len(suffix) {
		return false
	}
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	// The subdomain part must not span a path.
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// handleTaskWS streams the events of one task. A second concurrent
// subscriber is refused with 409 before the upgrade; an unknown task gets a
// policy-violation close.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	logger := s.requestLogger(r).With("taskID", taskID)

	sub, err := s.bus.Subscribe(taskID)
	if errors.Is(err, events.ErrSubscriberExists) {
		s.writeServiceError(w, r, err)
		return
	}

	upgrader := s.createUpgrader()
	conn, uerr := upgrader.Upgrade(w, r, nil)
	if uerr != nil {
		logger.Warn("WebSocket upgrade failed", "error", uerr)
		if sub != nil {
			sub.Close()
		}
		return
	}
	defer conn.Close()

	if err != nil {
		s.replayFinished(conn, taskID, logger)
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.keepalive(ctx, cancel, conn)

	logger.Debug("Task stream attached")
	for {
		ev, err := sub.Next(ctx)
		switch {
		case err == nil:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := conn.WriteJSON(ev); werr != nil {
				logger.Info("Task stream client gone", "error", werr)
				return
			}
		case errors.Is(err, io.EOF):
			closeConn(conn, websocket.CloseNormalClosure, "task complete")
			return
		case errors.Is(err, events.ErrQueueClosed):
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(events.Event{
				TaskID:    taskID,
				Type:      events.TypeError,
				Timestamp: time.Now().UTC(),
				Data:      events.ErrorData{Error: "event stream closed"},
			})
			closeConn(conn, websocket.CloseInternalServerErr, "event stream closed")
			return
		default:
			// Client disconnected; the queue is kept for a later subscriber.
			logger.Debug("Task stream detached", "error", err)
			return
		}
	}
}

// replayFinished answers a subscriber whose task has no queue. A task that
// already finished gets a synthetic complete event; anything else is unknown.
func (s *Server) replayFinished(conn *websocket.Conn, taskID string, logger *slog.Logger) {
	t, err := s.tasks.Get(taskID)
	if err != nil || !t.Status.Terminal() || t.Result == nil {
		closeConn(conn, websocket.ClosePolicyViolation, "unknown task")
		return
	}
	logger.Debug("Replaying final state of finished task")
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(completeEvent(t))
	closeConn(conn, websocket.CloseNormalClosure, "task complete")
}

func completeEvent(t task.Task) events.Event {
	errs := t.Result.Errors
	if errs == nil {
		errs = []string{}
	}
	return events.Event{
		TaskID:    t.ID,
		Type:      events.TypeComplete,
		Timestamp: t.UpdatedAt,
		Data: events.CompleteData{
			Status:       string(t.Status),
			ExitCode:     t.Result.ExitCode,
			Summary:      t.Result.Summary,
			Errors:       errs,
			Reason:       t.Result.Reason,
			TotalCostUSD: t.Result.CostUSD,
		},
	}
}

// keepalive pings the client and cancels ctx when the client stops
// answering or disconnects.
func (s *Server) keepalive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	pongTimeout := s.config.WSPongTimeout
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	// Read pump: detects client disconnect. Client frames are ignored.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()
}

func closeConn(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
