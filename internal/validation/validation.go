// Package validation sanitizes prompts, content and attachments before they
// reach the AI CLI or the wire.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Limits applied during sanitization.
const (
	// MaxPromptLength is the longest prompt forwarded to the CLI.
	MaxPromptLength = 50000
	// MaxContentLength is the longest content string kept on a message.
	MaxContentLength = 100000
	// MaxAttachments is the most attachments accepted per prompt.
	MaxAttachments = 10
	// MaxAttachmentSize is the per-attachment size ceiling in bytes.
	MaxAttachmentSize = 10 * 1024 * 1024
)

var (
	ErrEmptyPrompt        = errors.New("prompt is empty")
	ErrTooManyAttachments = fmt.Errorf("too many attachments (max %d)", MaxAttachments)
	ErrInvalidFormat      = errors.New("invalid output format")
)

// Formats accepted by ValidateFormat.
const (
	FormatJSON       = "json"
	FormatText       = "text"
	FormatMarkdown   = "markdown"
	FormatStreamJSON = "stream-json"
)

// Attachment is a file, image or code snippet attached to a prompt.
type Attachment struct {
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Content string `json:"content,omitempty"`
}

// SanitizePrompt strips NUL bytes from the prompt and truncates it to
// MaxPromptLength characters. It fails when nothing usable remains.
// Applying it twice yields the same result.
func SanitizePrompt(prompt string) (string, error) {
	cleaned := strings.ReplaceAll(prompt, "\x00", "")
	cleaned = truncateRunes(cleaned, MaxPromptLength)
	if strings.TrimSpace(cleaned) == "" {
		return "", ErrEmptyPrompt
	}
	return cleaned, nil
}

// SanitizeContent strips NUL and control characters (keeping tab, newline
// and carriage return) and truncates to MaxContentLength characters.
func SanitizeContent(content string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)
	return truncateRunes(cleaned, MaxContentLength)
}

// ValidateFormat normalizes an output format name. Empty input defaults to
// json; anything outside {json, text, markdown, stream-json} fails.
func ValidateFormat(format string) (string, error) {
	if format == "" {
		return FormatJSON, nil
	}
	switch strings.ToLower(format) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	case FormatMarkdown:
		return FormatMarkdown, nil
	case FormatStreamJSON:
		return FormatStreamJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}
}

// ValidateAttachments checks count, type and size limits and fills in
// default names. The returned slice is a normalized copy.
func ValidateAttachments(attachments []Attachment) ([]Attachment, error) {
	if len(attachments) > MaxAttachments {
		return nil, ErrTooManyAttachments
	}
	out := make([]Attachment, 0, len(attachments))
	for i, att := range attachments {
		switch att.Type {
		case "image", "file", "code":
		default:
			return nil, fmt.Errorf("attachment %d has invalid type %q", i, att.Type)
		}
		if att.Size > MaxAttachmentSize {
			return nil, fmt.Errorf("attachment %d exceeds size limit (%d bytes)", i, att.Size)
		}
		if att.Name == "" {
			att.Name = fmt.Sprintf("attachment_%d", i)
		}
		out = append(out, att)
	}
	return out, nil
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
