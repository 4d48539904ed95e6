package writer

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidSession is returned for session names that are not a plain
// session directory under the runs directory
var ErrInvalidSession = errors.New("invalid session name")

const sessionTimeLayout = "2006-01-02T15-04-05"

// session_2025-10-30T14-30-00_1a2b3c4d
var sessionNameRegex = regexp.MustCompile(`^session_\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}_[0-9a-f]{8}$`)

// ValidateSessionPath checks that name is a session directory created by
// NewSessionManager and that it resolves inside runsDir
func ValidateSessionPath(runsDir, name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidSession)
	case strings.Contains(name, ".."), strings.ContainsAny(name, `/\`), filepath.IsAbs(name):
		return fmt.Errorf("%w: %q is a path, not a session directory", ErrInvalidSession, name)
	case !sessionNameRegex.MatchString(name):
		return fmt.Errorf("%w: %q does not match session_<timestamp>_<id>", ErrInvalidSession, name)
	}

	root, err := filepath.Abs(runsDir)
	if err != nil {
		return fmt.Errorf("failed to resolve runs directory: %w", err)
	}
	dir, err := filepath.Abs(filepath.Join(runsDir, name))
	if err != nil {
		return fmt.Errorf("failed to resolve session path: %w", err)
	}
	if !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q escapes %s", ErrInvalidSession, name, runsDir)
	}
	return nil
}
