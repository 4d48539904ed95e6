package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SessionManager manages the directory of one CLI run inside a project's
// runs/ directory
type SessionManager struct {
	sessionDir string
	name       string
	logger     *slog.Logger
}

// NewSessionManager creates runsDir/session_<timestamp>_<id>
func NewSessionManager(runsDir string, logger *slog.Logger) (*SessionManager, error) {
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}

	timestamp := time.Now().Format(sessionTimeLayout)
	name := fmt.Sprintf("session_%s_%s", timestamp, uuid.New().String()[:8])
	sessionDir := filepath.Join(runsDir, name)

	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	logger.Info("Created new session directory", "path", sessionDir)

	return &SessionManager{
		sessionDir: sessionDir,
		name:       name,
		logger:     logger,
	}, nil
}

// OpenSession returns an existing session of runsDir
func OpenSession(runsDir, name string, logger *slog.Logger) (*SessionManager, error) {
	if err := ValidateSessionPath(runsDir, name); err != nil {
		return nil, err
	}
	sessionDir := filepath.Join(runsDir, name)
	if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("session directory not found: %s", sessionDir)
	}
	return &SessionManager{sessionDir: sessionDir, name: name, logger: logger}, nil
}

// ListSessions returns the session names of runsDir, oldest first
func ListSessions(runsDir string) ([]string, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && sessionNameRegex.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	// Names start with the timestamp
	sort.Strings(names)
	return names, nil
}

// SetLogger replaces the bootstrap logger once the session logger exists
func (sm *SessionManager) SetLogger(logger *slog.Logger) {
	sm.logger = logger
}

// Name returns the session directory name
func (sm *SessionManager) Name() string {
	return sm.name
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetSummaryPath returns the full path to the exported summary
func (sm *SessionManager) GetSummaryPath() string {
	return filepath.Join(sm.sessionDir, "summary.jsonl")
}

// GetFailuresPath returns the full path to the stage failure log
func (sm *SessionManager) GetFailuresPath() string {
	return filepath.Join(sm.sessionDir, "failures.jsonl")
}

// GetReportPath returns the full path to the run report
func (sm *SessionManager) GetReportPath() string {
	return filepath.Join(sm.sessionDir, "report.json")
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetConfigBackupPath returns the full path to the config backup. The
// extension of the original file is kept.
func (sm *SessionManager) GetConfigBackupPath(configPath string) string {
	return filepath.Join(sm.sessionDir, "config"+filepath.Ext(configPath)+".bak")
}

// BackupConfig copies the config file to the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath(configPath)
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}
