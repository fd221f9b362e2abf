package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

// Launch starts command and returns an adapter speaking to it over its
// stdin and stdout. The agent's stderr is logged at debug level. Close
// closes stdin and waits for the process, killing it after a grace period.
func Launch(ctx context.Context, command string, args []string, opts Options) (*Adapter, error) {
	if command == "" {
		return nil, errors.New("agent command is not configured")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	stderr := &zapio.Writer{Log: logger.Named("agent.stderr"), Level: zap.DebugLevel}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent %s: %w", command, err)
	}
	logger.Info("agent started", zap.String("command", command), zap.Int("pid", cmd.Process.Pid))

	p := &process{cmd: cmd, stdin: stdin, stderr: stderr, grace: 5 * time.Second}
	return New(stdout, stdin, p, opts), nil
}

type process struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	stderr *zapio.Writer
	grace  time.Duration

	once sync.Once
	err  error
}

func (p *process) Close() error {
	p.once.Do(func() {
		p.stdin.Close()
		waited := make(chan error, 1)
		go func() { waited <- p.cmd.Wait() }()

		var err error
		select {
		case err = <-waited:
		case <-time.After(p.grace):
			p.cmd.Process.Kill()
			err = <-waited
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			p.err = fmt.Errorf("waiting for agent: %w", err)
		}
		p.stderr.Close()
	})
	return p.err
}
