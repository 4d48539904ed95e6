package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const runsDir = "projects/demo/runs"

func TestValidateSessionPath_Valid(t *testing.T) {
	for _, name := range []string{
		"session_2025-10-30T14-30-00_1a2b3c4d",
		"session_2024-01-01T00-00-00_00000000",
		"session_2023-12-31T23-59-59_ffffffff",
	} {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, ValidateSessionPath(runsDir, name))
		})
	}
}

func TestValidateSessionPath_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "empty"},
		{"parent", "../etc", "is a path"},
		{"deep traversal", "../../../etc/passwd", "is a path"},
		{"traversal after valid prefix", "session_2025-10-30T14-30-00_1a2b3c4d/../etc", "is a path"},
		{"trailing traversal", "session_2025-10-30T14-30-00_1a2b3c4d/../../", "is a path"},
		{"absolute unix", "/var/log/sensitive.log", "is a path"},
		{"windows traversal", `..\..\Windows\System32`, "is a path"},
		{"windows absolute", `C:\Users\Admin`, "is a path"},
		{"forward slash", "session/2025", "is a path"},
		{"mixed separators", `session/2025\10`, "is a path"},
		{"no prefix", "my-session", "does not match"},
		{"compact timestamp", "session_20251030T143000_1a2b3c4d", "does not match"},
		{"missing id", "session_2025-10-30T14-30-00", "does not match"},
		{"uppercase id", "session_2025-10-30T14-30-00_1A2B3C4D", "does not match"},
		{"null byte", "session_2025-10-30T14-30-00_1a2b3c4d\x00", "does not match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionPath(runsDir, tt.input)
			assert.ErrorIs(t, err, ErrInvalidSession)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
