package tasks

import "context"

// Completion describes a finished long-running execution for push delivery.
type Completion struct {
	SessionID   string `json:"sessionId"`
	ProjectName string `json:"projectName,omitempty"`
	Text        string `json:"text"`
	Failed      bool   `json:"failed,omitempty"`
}

// Notifier delivers long-running completion notices to the user's devices.
// The manager calls it off the execute path; implementations own their own
// retry and fan-out behavior.
type Notifier interface {
	NotifyCompletion(ctx context.Context, c Completion) error
}

// NotifyFunc adapts a function to the Notifier interface.
type NotifyFunc func(ctx context.Context, c Completion) error

// NotifyCompletion implements Notifier.
func (f NotifyFunc) NotifyCompletion(ctx context.Context, c Completion) error {
	return f(ctx, c)
}
