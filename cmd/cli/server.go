package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	serverBinaryName   = "browsecore-server"
	serverStartTimeout = 15 * time.Second
	readyProbeInterval = 250 * time.Millisecond
)

var errServerExited = errors.New("server exited before becoming ready")

// probeReady reports whether the server answers /ready. A server that answers
// /health but not /ready is up with its core stopped or its store down.
func probeReady(ctx context.Context) (up bool, ready bool) {
	client := &http.Client{Timeout: time.Second}
	for _, path := range []string{"/ready", "/health"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+path, nil)
		if err != nil {
			return false, false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, false
		}
		resp.Body.Close()
		if path == "/ready" && resp.StatusCode == http.StatusOK {
			return true, true
		}
		if path == "/health" {
			return resp.StatusCode == http.StatusOK, false
		}
	}
	return false, false
}

// serverCandidates lists where a server binary may live, nearest first.
// BROWSECORE_SERVER overrides the search.
func serverCandidates() []string {
	if p := os.Getenv("BROWSECORE_SERVER"); p != "" {
		return []string{p}
	}

	var out []string
	if self, err := os.Executable(); err == nil {
		out = append(out, filepath.Join(filepath.Dir(self), serverBinaryName))
	}
	if p, err := exec.LookPath(serverBinaryName); err == nil {
		out = append(out, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, "go", "bin", serverBinaryName),
			filepath.Join(home, ".local", "bin", serverBinaryName))
	}
	return append(out, filepath.Join("/usr/local/bin", serverBinaryName))
}

func locateServer() (string, error) {
	for _, p := range serverCandidates() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s not found (set BROWSECORE_SERVER or put it next to the CLI)", serverBinaryName)
}

// spawnServer launches the server detached from this terminal. Its output
// goes to a log file in the temp dir so a failed start can be diagnosed.
// The returned channel yields the process exit error, if it exits.
func spawnServer() (<-chan error, string, error) {
	path, err := locateServer()
	if err != nil {
		return nil, "", err
	}

	var args []string
	if configFile != "" {
		args = append(args, "-config", configFile)
	}

	logPath := filepath.Join(os.TempDir(), serverBinaryName+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, "", fmt.Errorf("open server log: %w", err)
	}

	cmd := exec.Command(path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detachProcess(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, "", fmt.Errorf("exec %s: %w", path, err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		logFile.Close()
	}()
	return exited, logPath, nil
}

// awaitReady polls /ready until the server is ready, the process dies or
// the context expires.
func awaitReady(ctx context.Context, exited <-chan error) error {
	ticker := time.NewTicker(readyProbeInterval)
	defer ticker.Stop()

	for {
		if _, ready := probeReady(ctx); ready {
			return nil
		}
		select {
		case err := <-exited:
			if err != nil {
				return fmt.Errorf("%w: %v", errServerExited, err)
			}
			return errServerExited
		case <-ctx.Done():
			return fmt.Errorf("server not ready after %v", serverStartTimeout)
		case <-ticker.C:
		}
	}
}

// ensureServerRunning starts a local server when nothing answers at
// serverURL. A server that is up but not ready is left alone.
func ensureServerRunning() error {
	ctx, cancel := context.WithTimeout(context.Background(), serverStartTimeout)
	defer cancel()

	up, ready := probeReady(ctx)
	if ready {
		return nil
	}
	if up {
		return fmt.Errorf("server at %s is up but not ready", serverURL)
	}

	fmt.Fprintln(os.Stderr, "Starting browsecore server...")
	exited, logPath, err := spawnServer()
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	if err := awaitReady(ctx, exited); err != nil {
		return fmt.Errorf("%w (see %s)", err, logPath)
	}

	fmt.Fprintln(os.Stderr, "Server ready")
	return nil
}
