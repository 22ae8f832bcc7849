package remote

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Spawn starts a worker process and opens a session over its stdio. The
// worker binary is expected to call Serve on its own stdin and stdout;
// its stderr passes through for logs. Closing the returned engine closes
// the worker's stdin and reaps the process.
func Spawn(ctx context.Context, path string, args ...string) (*Engine, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("remote: worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("remote: worker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("remote: start worker %s: %w", path, err)
	}

	e, err := NewEngine(stdout, stdin)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, err
	}
	e.closer = stdin
	e.proc = cmd
	return e, nil
}
