package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizePrompt(t *testing.T) {
	t.Run("strips NUL bytes", func(t *testing.T) {
		got, err := SanitizePrompt("hel\x00lo")
		if err != nil {
			t.Fatalf("SanitizePrompt() error = %v", err)
		}
		if got != "hello" {
			t.Errorf("SanitizePrompt() = %q, want %q", got, "hello")
		}
	})

	t.Run("truncates long prompts", func(t *testing.T) {
		long := strings.Repeat("a", MaxPromptLength+100)
		got, err := SanitizePrompt(long)
		if err != nil {
			t.Fatalf("SanitizePrompt() error = %v", err)
		}
		if len(got) != MaxPromptLength {
			t.Errorf("len = %d, want %d", len(got), MaxPromptLength)
		}
	})

	t.Run("rejects empty results", func(t *testing.T) {
		for _, input := range []string{"", "\x00\x00", "   "} {
			if _, err := SanitizePrompt(input); !errors.Is(err, ErrEmptyPrompt) {
				t.Errorf("SanitizePrompt(%q) error = %v, want ErrEmptyPrompt", input, err)
			}
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		input := "ke\x00ep " + strings.Repeat("x", MaxPromptLength)
		once, err := SanitizePrompt(input)
		if err != nil {
			t.Fatalf("first pass error = %v", err)
		}
		twice, err := SanitizePrompt(once)
		if err != nil {
			t.Fatalf("second pass error = %v", err)
		}
		if once != twice {
			t.Error("SanitizePrompt is not idempotent")
		}
	})
}

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "hello world", "hello world"},
		{"keeps whitespace controls", "a\tb\nc\rd", "a\tb\nc\rd"},
		{"strips NUL", "a\x00b", "ab"},
		{"strips other controls", "a\x01\x02\x7fb", "ab"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeContent(tt.input); got != tt.want {
				t.Errorf("SanitizeContent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	t.Run("truncates long content", func(t *testing.T) {
		long := strings.Repeat("b", MaxContentLength+5)
		if got := SanitizeContent(long); len(got) != MaxContentLength {
			t.Errorf("len = %d, want %d", len(got), MaxContentLength)
		}
	})
}

func TestValidateFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"empty defaults to json", "", FormatJSON, false},
		{"json", "json", FormatJSON, false},
		{"uppercase", "JSON", FormatJSON, false},
		{"mixed case stream-json", "Stream-JSON", FormatStreamJSON, false},
		{"text", "text", FormatText, false},
		{"markdown", "markdown", FormatMarkdown, false},
		{"unknown", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateFormat(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateAttachments(t *testing.T) {
	t.Run("defaults missing names", func(t *testing.T) {
		got, err := ValidateAttachments([]Attachment{
			{Type: "image"},
			{Type: "file", Name: "notes.txt"},
			{Type: "code"},
		})
		if err != nil {
			t.Fatalf("ValidateAttachments() error = %v", err)
		}
		if got[0].Name != "attachment_0" {
			t.Errorf("name[0] = %q, want attachment_0", got[0].Name)
		}
		if got[1].Name != "notes.txt" {
			t.Errorf("name[1] = %q, want notes.txt", got[1].Name)
		}
		if got[2].Name != "attachment_2" {
			t.Errorf("name[2] = %q, want attachment_2", got[2].Name)
		}
	})

	t.Run("rejects too many", func(t *testing.T) {
		many := make([]Attachment, MaxAttachments+1)
		for i := range many {
			many[i] = Attachment{Type: "file"}
		}
		if _, err := ValidateAttachments(many); !errors.Is(err, ErrTooManyAttachments) {
			t.Errorf("error = %v, want ErrTooManyAttachments", err)
		}
	})

	t.Run("rejects bad type", func(t *testing.T) {
		if _, err := ValidateAttachments([]Attachment{{Type: "video"}}); err == nil {
			t.Error("expected error for invalid type")
		}
	})

	t.Run("rejects oversized", func(t *testing.T) {
		att := Attachment{Type: "file", Size: MaxAttachmentSize + 1}
		if _, err := ValidateAttachments([]Attachment{att}); err == nil {
			t.Error("expected error for oversized attachment")
		}
	})

	t.Run("empty list ok", func(t *testing.T) {
		got, err := ValidateAttachments(nil)
		if err != nil || len(got) != 0 {
			t.Errorf("ValidateAttachments(nil) = %v, %v", got, err)
		}
	})
}
