package websocket

import "context"

// Handler processes one inbound message and returns the reply to send, or
// nil for actions that respond through some other channel.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// Dispatcher routes inbound messages to the handler registered for their
// action. Registration happens during wiring, before any connection is
// accepted, so the map needs no locking.
type Dispatcher struct {
	byAction map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{byAction: map[string]Handler{}}
}

// Register binds a handler to an action name, replacing any previous one.
func (d *Dispatcher) Register(action string, h Handler) {
	d.byAction[action] = h
}

// RegisterFunc binds a handler function to an action name.
func (d *Dispatcher) RegisterFunc(action string, h HandlerFunc) {
	d.byAction[action] = h
}

// Dispatch routes a message. Unknown actions produce an error reply rather
// than an error return, so the client always hears back.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *Message) (*Message, error) {
	h, ok := d.byAction[msg.Action]
	if !ok {
		return NewError(msg.ID, msg.Action, ErrorCodeUnknownAction,
			"Unknown action: "+msg.Action, nil)
	}
	return h.Handle(ctx, msg)
}

// HasHandler reports whether an action has a registered handler.
func (d *Dispatcher) HasHandler(action string) bool {
	_, ok := d.byAction[action]
	return ok
}
