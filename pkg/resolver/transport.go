package resolver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/engine"
)

// Spawn starts command as a child process and opens a wire session over
// its stdin and stdout. The child's stderr lines are forwarded to the
// logger at debug level. Closing the session closes stdin; a child that
// does not exit within five seconds is killed.
func Spawn(ctx context.Context, command string, args []string, logger zerolog.Logger) (*WireSession, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start resolver %s: %w", command, err)
	}

	log := logger.With().Str("resolver", command).Int("pid", cmd.Process.Pid).Logger()
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debug().Str("stream", "stderr").Msg(scanner.Text())
		}
	}()
	log.Debug().Msg("resolver process started")

	conn := &procConn{stdin: stdin, stdout: stdout, cmd: cmd}
	return NewWireSession(conn, log), nil
}

// Dial connects to a resolver listening on network/address and opens a
// wire session over the connection.
func Dial(ctx context.Context, network, address string, logger zerolog.Logger) (*WireSession, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial resolver at %s: %w", address, err)
	}
	log := logger.With().Str("resolver", network+"://"+address).Logger()
	log.Debug().Msg("resolver connected")
	return NewWireSession(conn, log), nil
}

// Connect opens a resolver session described by target:
//
//	exec:PATH [ARGS...]   spawn PATH and speak over its stdio
//	unix:ADDR             connect to a unix socket
//	tcp:ADDR              connect to a TCP address
//	starlark:FILE         evaluate FILE in process
func Connect(ctx context.Context, target string, logger zerolog.Logger) (engine.ResolverSession, error) {
	scheme, rest, ok := strings.Cut(target, ":")
	if !ok {
		return nil, fmt.Errorf("resolver target %q needs a scheme prefix", target)
	}
	switch scheme {
	case "exec":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil, fmt.Errorf("resolver target %q names no command", target)
		}
		return Spawn(ctx, fields[0], fields[1:], logger)
	case "unix":
		return Dial(ctx, "unix", rest, logger)
	case "tcp":
		return Dial(ctx, "tcp", rest, logger)
	case "starlark":
		return NewStarlarkSession(StarlarkConfig{Path: rest, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown resolver scheme %q", scheme)
	}
}

// procConn adapts a child process's stdio to io.ReadWriteCloser.
type procConn struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd

	once     sync.Once
	closeErr error
}

func (c *procConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *procConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

// Close signals the child by closing stdin and reaps it. The child gets
// five seconds to exit on its own before being killed.
func (c *procConn) Close() error {
	c.once.Do(func() {
		_ = c.stdin.Close()

		done := make(chan error, 1)
		go func() { done <- c.cmd.Wait() }()
		select {
		case err := <-done:
			c.closeErr = err
		case <-time.After(5 * time.Second):
			_ = c.cmd.Process.Kill()
			c.closeErr = <-done
		}
	})
	return c.closeErr
}
