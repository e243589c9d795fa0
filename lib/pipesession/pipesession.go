// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipesession runs an external command as the body of an SSH
// session, piping the channel to the command's standard streams. It
// backs the gaming service, whose sessions carry no registry identity.
package pipesession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/autopeer-foundation/autopeer/lib/sshd"
)

// waitDelay bounds how long a finished or killed command may keep its
// output pipes open before Wait gives up on them.
const waitDelay = time.Second

// Handler returns a session handler that runs command under "sh -c"
// with stdin, stdout, and stderr wired to the session stream. The
// command runs in its own process group and the whole group is killed
// when the session context is cancelled, so a client disconnect takes
// the game down with it.
func Handler(command string, logger *slog.Logger) sshd.SessionHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return func(ctx context.Context, user string, stream io.ReadWriter) error {
		log := logger.With("user", user, "command", command)

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdout = stream
		cmd.Stderr = stream
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		cmd.WaitDelay = waitDelay

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("pipesession: opening stdin: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("pipesession: starting %q: %w", command, err)
		}
		log.Info("command started", "pid", cmd.Process.Pid)

		// Feed the channel into the child from a separate goroutine so
		// Wait never blocks on a quiet client. The copy ends when the
		// client hangs up or the child exits and closes its end.
		go func() {
			io.Copy(stdin, stream)
			stdin.Close()
		}()

		err = cmd.Wait()
		if ctx.Err() != nil {
			log.Info("command killed on disconnect")
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Info("command exited", "code", exitErr.ExitCode())
			return nil
		}
		// A stray grandchild can hold the output pipes open past the
		// parent's exit; the session is still over.
		if errors.Is(err, exec.ErrWaitDelay) {
			log.Info("command exited, output pipes abandoned")
			return nil
		}
		if err != nil {
			return fmt.Errorf("pipesession: running %q: %w", command, err)
		}
		log.Info("command exited", "code", 0)
		return nil
	}
}
