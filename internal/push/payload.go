// Package push delivers notifications to registered device tokens through
// a pluggable transport, with retry handling, bad-token eviction, and
// notification-friendly Markdown stripping.
package push

import "errors"

// Failure reasons reported by push transports. The first three are
// terminal and are never retried.
const (
	ReasonBadDeviceToken       = "BadDeviceToken"
	ReasonUnregistered         = "Unregistered"
	ReasonExpiredProviderToken = "ExpiredProviderToken"
	ReasonNetworkError         = "NetworkError"
)

var (
	// ErrBadDeviceToken is returned for tokens the transport rejected as
	// invalid, and for any send against a token already marked bad.
	ErrBadDeviceToken = errors.New(ReasonBadDeviceToken)

	// ErrUnregistered is returned when the device uninstalled the app.
	ErrUnregistered = errors.New(ReasonUnregistered)

	// ErrExpiredProviderToken is returned when the provider credential
	// expired. The device token itself stays usable.
	ErrExpiredProviderToken = errors.New(ReasonExpiredProviderToken)

	// ErrMaxRetriesExceeded is returned when every attempt failed with a
	// transient reason.
	ErrMaxRetriesExceeded = errors.New("MaxRetriesExceeded")
)

// Payload is the provider-neutral notification content.
type Payload struct {
	Title string                 `json:"title,omitempty"`
	Body  string                 `json:"body,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// shaped returns a copy with the text fields stripped of Markdown.
func (p *Payload) shaped() *Payload {
	if p == nil {
		return &Payload{}
	}
	return &Payload{
		Title: StripMarkdown(p.Title),
		Body:  StripMarkdown(p.Body),
		Data:  p.Data,
	}
}

// TokenState tracks delivery health for one device token.
type TokenState struct {
	Token               string `json:"token"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastFailureReason   string `json:"lastFailureReason,omitempty"`
}

// Stats summarizes notifier state for monitoring endpoints.
type Stats struct {
	RegisteredClients int `json:"registeredClients"`
	BadTokens         int `json:"badTokens"`
	FailingTokens     int `json:"failingTokens"`
}
