package websocket

import "context"

type contextKey int

const clientIDKey contextKey = iota

// ContextWithClientID attaches the connection's client ID so dispatched
// handlers can tell which client issued the request.
func ContextWithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the client ID set by the connection layer,
// or "" when the message did not arrive over a tracked connection.
func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}
