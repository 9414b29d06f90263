package push

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kandev/relay/internal/common/config"
	"github.com/kandev/relay/internal/common/logger"
)

const (
	defaultMaxRetries    = 3
	defaultMaxConcurrent = 10
	defaultRetryDelay    = 250 * time.Millisecond
)

// Notifier delivers notifications to registered device tokens. Tokens the
// transport reports as invalid are moved to a bad-token set and never
// contacted again.
type Notifier struct {
	provider Provider
	store    *Store
	log      *logger.Logger

	maxRetries    int
	maxConcurrent int64
	retryDelay    time.Duration

	mu           sync.RWMutex
	deviceTokens map[string]string // clientID -> token
	badTokens    map[string]struct{}
	tokenStates  map[string]*TokenState
}

// NewNotifier creates a notifier on the given transport. The store may be
// nil for a purely in-memory notifier.
func NewNotifier(cfg config.PushConfig, provider Provider, store *Store, log *logger.Logger) *Notifier {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	return &Notifier{
		provider:      provider,
		store:         store,
		log:           log,
		maxRetries:    maxRetries,
		maxConcurrent: maxConcurrent,
		retryDelay:    defaultRetryDelay,
		deviceTokens:  make(map[string]string),
		badTokens:     make(map[string]struct{}),
		tokenStates:   make(map[string]*TokenState),
	}
}

// Load hydrates the bad-token set from the store.
func (n *Notifier) Load(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	tokens, err := n.store.BadTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bad tokens: %w", err)
	}

	n.mu.Lock()
	for _, token := range tokens {
		n.badTokens[token] = struct{}{}
	}
	n.mu.Unlock()

	n.log.Info("loaded bad-token set", zap.Int("count", len(tokens)))
	return nil
}

// RegisterToken associates a client with its device token.
func (n *Notifier) RegisterToken(clientID, token string) {
	if clientID == "" || token == "" {
		return
	}
	n.mu.Lock()
	n.deviceTokens[clientID] = token
	n.mu.Unlock()
}

// UnregisterClient drops the client's token mapping.
func (n *Notifier) UnregisterClient(clientID string) {
	n.mu.Lock()
	delete(n.deviceTokens, clientID)
	n.mu.Unlock()
}

// TokenFor returns the device token registered for a client.
func (n *Notifier) TokenFor(clientID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	token, ok := n.deviceTokens[clientID]
	return token, ok
}

// RegisteredClients returns the client IDs with a registered token.
func (n *Notifier) RegisteredClients() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]string, 0, len(n.deviceTokens))
	for clientID := range n.deviceTokens {
		out = append(out, clientID)
	}
	return out
}

// IsBadToken reports whether the token has been marked bad.
func (n *Notifier) IsBadToken(token string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, bad := n.badTokens[token]
	return bad
}

// GetTokenState returns the failure-tracking state for a token.
func (n *Notifier) GetTokenState(token string) (TokenState, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	state, ok := n.tokenStates[token]
	if !ok {
		return TokenState{}, false
	}
	return *state, true
}

// Send delivers the payload to one device token, retrying transient
// failures up to the configured attempt budget. Known-bad tokens are
// rejected without touching the transport.
func (n *Notifier) Send(ctx context.Context, token string, payload *Payload) error {
	if token == "" {
		return fmt.Errorf("device token is required")
	}
	if n.IsBadToken(token) {
		return ErrBadDeviceToken
	}

	shaped := payload.shaped()
	lastReason := ReasonNetworkError

	for attempt := 1; attempt <= n.maxRetries; attempt++ {
		if attempt > 1 {
			if err := n.waitRetry(ctx); err != nil {
				return err
			}
		}

		resp, err := n.provider.Send(ctx, shaped, token)
		if err != nil {
			lastReason = err.Error()
			n.recordFailure(token, lastReason)
			n.log.Warn("push transport error",
				zap.String("token", abbreviateToken(token)),
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if deliveredTo(resp, token) {
			n.resetToken(token)
			return nil
		}

		reason := failureReason(resp, token)
		n.recordFailure(token, reason)
		switch reason {
		case ReasonBadDeviceToken:
			n.handleBadToken(token, reason)
			return ErrBadDeviceToken
		case ReasonUnregistered:
			n.handleBadToken(token, reason)
			return ErrUnregistered
		case ReasonExpiredProviderToken:
			return ErrExpiredProviderToken
		}
		lastReason = reason
	}

	return fmt.Errorf("%w: last failure %s", ErrMaxRetriesExceeded, lastReason)
}

// SendToClients delivers the payload to every client's registered token,
// with at most maxConcurrent sends in flight. It returns how many sends
// succeeded and how many failed; clients without a token count as failed.
func (n *Notifier) SendToClients(ctx context.Context, clientIDs []string, payload *Payload) (int, int) {
	sem := semaphore.NewWeighted(n.maxConcurrent)

	var wg sync.WaitGroup
	var sent, failed atomic.Int64

	for _, clientID := range clientIDs {
		token, ok := n.TokenFor(clientID)
		if !ok {
			failed.Add(1)
			continue
		}

		wg.Add(1)
		go func(clientID, token string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				failed.Add(1)
				return
			}
			defer sem.Release(1)

			err := n.Send(ctx, token, payload)
			n.recordDelivery(ctx, clientID, token, payload, err)
			if err != nil {
				failed.Add(1)
				return
			}
			sent.Add(1)
		}(clientID, token)
	}

	wg.Wait()
	return int(sent.Load()), int(failed.Load())
}

// handleBadToken moves the token to the bad set and removes every client
// mapping that points at it.
func (n *Notifier) handleBadToken(token, reason string) {
	n.mu.Lock()
	n.badTokens[token] = struct{}{}
	removed := 0
	for clientID, t := range n.deviceTokens {
		if t == token {
			delete(n.deviceTokens, clientID)
			removed++
		}
	}
	n.mu.Unlock()

	n.log.Warn("evicted bad device token",
		zap.String("token", abbreviateToken(token)),
		zap.String("reason", reason),
		zap.Int("clients_removed", removed))

	if n.store != nil {
		if err := n.store.MarkBadToken(context.Background(), token, reason); err != nil {
			n.log.Warn("failed to persist bad token", zap.Error(err))
		}
	}
}

func (n *Notifier) recordFailure(token, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	state, ok := n.tokenStates[token]
	if !ok {
		state = &TokenState{Token: token}
		n.tokenStates[token] = state
	}
	state.ConsecutiveFailures++
	state.LastFailureReason = reason
}

func (n *Notifier) resetToken(token string) {
	n.mu.Lock()
	delete(n.tokenStates, token)
	n.mu.Unlock()
}

func (n *Notifier) recordDelivery(ctx context.Context, clientID, token string, payload *Payload, sendErr error) {
	if n.store == nil {
		return
	}
	title := ""
	if payload != nil {
		title = payload.Title
	}
	d := &Delivery{
		ClientID: clientID,
		Token:    token,
		Title:    title,
		Success:  sendErr == nil,
	}
	if sendErr != nil {
		d.Reason = sendErr.Error()
	}
	if _, err := n.store.RecordDelivery(ctx, d); err != nil {
		n.log.Warn("failed to record push delivery", zap.Error(err))
	}
}

func (n *Notifier) waitRetry(ctx context.Context) error {
	if n.retryDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(n.retryDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats summarizes notifier state.
func (n *Notifier) GetStats() Stats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return Stats{
		RegisteredClients: len(n.deviceTokens),
		BadTokens:         len(n.badTokens),
		FailingTokens:     len(n.tokenStates),
	}
}

// Shutdown closes the underlying transport.
func (n *Notifier) Shutdown() error {
	return n.provider.Shutdown()
}

func deliveredTo(resp *Response, token string) bool {
	if resp == nil {
		return false
	}
	for _, sent := range resp.Sent {
		if sent == token {
			return true
		}
	}
	return false
}

func failureReason(resp *Response, token string) string {
	if resp == nil {
		return ReasonNetworkError
	}
	for _, f := range resp.Failed {
		if f.Device == token && f.Response.Reason != "" {
			return f.Response.Reason
		}
	}
	return ReasonNetworkError
}
