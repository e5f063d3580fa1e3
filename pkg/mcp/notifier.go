package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sagaflow/internal/engine"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// NotificationMethod is the MCP method run outcome notifications use.
const NotificationMethod = "notifications/message"

// ClientNotifier sends a notification to one MCP session.
// Satisfied by *server.MCPServer.
type ClientNotifier interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// RunNotifier is an engine.EventAppender decorator that pushes a
// notification to the session watching a run when the run finishes.
// Delivery is best effort: a missing or expired session is not an error.
type RunNotifier struct {
	next     engine.EventAppender
	sessions *SessionRegistry

	mu     sync.RWMutex
	client ClientNotifier
}

var _ engine.EventAppender = (*RunNotifier)(nil)

// NewRunNotifier wraps next. Notifications start once a client is attached.
func NewRunNotifier(next engine.EventAppender, sessions *SessionRegistry) *RunNotifier {
	return &RunNotifier{next: next, sessions: sessions}
}

// Attach sets the client notifications are sent through.
func (n *RunNotifier) Attach(client ClientNotifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.client = client
}

// Watch registers sessionID as waiting on runID.
func (n *RunNotifier) Watch(runID, sessionID string) {
	n.sessions.Register(runID, sessionID)
}

// AppendEvent implements engine.EventAppender.
func (n *RunNotifier) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := n.next.AppendEvent(ctx, event); err != nil {
		return err
	}
	status, ok := terminalStatus[event.Type]
	if !ok {
		return nil
	}
	n.notify(event.RunID, map[string]any{
		"run_id": event.RunID,
		"status": string(status),
		"event":  event.Type,
	})
	return nil
}

var terminalStatus = map[string]schema.RunStatus{
	schema.EventRunCompleted:   schema.RunStatusCompleted,
	schema.EventRunCompensated: schema.RunStatusCompensated,
	schema.EventRunFailed:      schema.RunStatusFailed,
}

func (n *RunNotifier) notify(runID string, payload map[string]any) {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return
	}
	n.sessions.Forget(runID)

	n.mu.RLock()
	client := n.client
	n.mu.RUnlock()
	if client == nil {
		return
	}

	err := client.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
	}
}
