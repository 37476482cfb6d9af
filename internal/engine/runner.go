package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// stderrTailLines bounds how much ffmpeg stderr is kept for error messages.
const stderrTailLines = 20

// Runner executes the external media tools.
type Runner interface {
	// Output runs the command to completion and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	// Start launches the command and returns a handle to its stdout stream.
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// Process is a started external command.
type Process interface {
	Stdout() io.Reader
	Wait() error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *slog.Logger
}

// NewExecRunner creates a Runner backed by os/exec.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{Logger: logger}
}

// Output runs the command and returns stdout. Stderr is attached to the error on failure.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Start launches the command with piped stdout. Stderr is monitored in the background.
func (r *ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, stdout: stdoutPipe, logger: r.Logger}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitorStderr(stderrPipe)
	}()

	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	logger *slog.Logger

	wg   sync.WaitGroup
	mu   sync.Mutex
	tail []string
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

// Wait waits for the command to exit. A non-zero exit includes the last stderr lines.
func (p *execProcess) Wait() error {
	p.wg.Wait()
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}

	p.mu.Lock()
	tail := strings.Join(p.tail, "; ")
	p.mu.Unlock()

	if tail != "" {
		return fmt.Errorf("%w: %s", err, tail)
	}
	return err
}

// monitorStderr reads stderr, logging error lines and retaining a short tail.
func (p *execProcess) monitorStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			if p.logger != nil {
				p.logger.Warn("FFmpeg warning", "output", line)
			}
		}

		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[1:]
		}
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil && p.logger != nil {
		p.logger.Warn("FFmpeg output scanner error", "error", err)
	}
}
