package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveProjectName(t *testing.T) {
	cases := []struct {
		name      string
		sessionID string
		want      string
	}{
		{"drops trailing uuid", "my_app_123e4567-e89b-12d3-a456-426614174000", "my_app"},
		{"multi-token project", "web_ui_backend_f47ac10b-58cc-4372-a567-0e02b2c3d479", "web_ui_backend"},
		{"uppercase hex uuid", "app_123E4567-E89B-12D3-A456-426614174000", "app"},
		{"no uuid suffix", "my_app", "my_app"},
		{"bare uuid", "123e4567-e89b-12d3-a456-426614174000", ""},
		{"not a uuid", "app_not-a-uuid", "app_not-a-uuid"},
		{"hyphen delimited name kept whole", "dash-only-f47ac10b", "dash-only-f47ac10b"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveProjectName(tc.sessionID))
		})
	}
}
