package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lamim/evalforge/pkg/models"
)

const (
	// DefaultReadyTimeout bounds how long a launched server may take to answer
	DefaultReadyTimeout = 5 * time.Minute
	readyPollInterval   = 500 * time.Millisecond
)

// server is a local inference server running in its own process group
type server struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	logger  *slog.Logger
}

// startServer launches cfg.Launch and polls <base_url>/models until it
// answers. A server that exits or misses its deadline is torn down.
func startServer(ctx context.Context, cfg models.ModelConfig, apiKey string, logger *slog.Logger) (*server, error) {
	launch := cfg.Launch
	if len(launch.Command) == 0 {
		return nil, fmt.Errorf("%w: model %s has an empty launch command", models.ErrConfiguration, cfg.Name)
	}

	// Not CommandContext: the server outlives the load call
	cmd := exec.Command(launch.Command[0], launch.Command[1:]...)
	cmd.Env = append(os.Environ(), launch.Env...)
	output := &lineLogger{logger: logger}
	cmd.Stdout = output
	cmd.Stderr = output
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch server for model %s: %w", cfg.Name, err)
	}
	s := &server{cmd: cmd, done: make(chan struct{}), logger: logger}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()
	logger.Info("Launched model server", "pid", cmd.Process.Pid, "command", strings.Join(launch.Command, " "))

	timeout := time.Duration(launch.ReadyTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	if err := s.waitReady(ctx, cfg.BaseURL, apiKey, timeout); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.stop(stopCtx)
		return nil, fmt.Errorf("model %s server not ready: %w", cfg.Name, err)
	}
	logger.Info("Model server ready")
	return s, nil
}

func (s *server) waitReady(ctx context.Context, baseURL, apiKey string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimSuffix(baseURL, "/") + "/models"
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if probe(ctx, client, endpoint, apiKey) {
			return nil
		}
		select {
		case <-s.done:
			return fmt.Errorf("server exited before becoming ready: %v", s.waitErr)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func probe(ctx context.Context, client *http.Client, endpoint, apiKey string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// stop asks the process group to terminate and kills it once ctx is done
func (s *server) stop(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	terminateProcess(s.cmd)
	select {
	case <-s.done:
		s.logger.Info("Model server stopped")
		return nil
	case <-ctx.Done():
	}

	killProcess(s.cmd)
	select {
	case <-s.done:
	case <-time.After(time.Second):
	}
	s.logger.Warn("Model server killed after grace period")
	return errors.Join(errors.New("server did not stop within the grace period"), ctx.Err())
}

// lineLogger forwards server output to the logger at debug level, one
// record per line
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(l.buf[:i])); line != "" {
			l.logger.Debug("Model server output", "line", line)
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
