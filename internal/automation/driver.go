// Package automation is the boundary to the single controlled desktop
// application. The primitives themselves (keystroke injection, window
// focus) live outside this process; the arbiter only ever talks to the
// Driver contract.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// Driver types text into the controlled application and submits it. Run
// blocks until the application has accepted the command or ctx expires;
// implementations are not required to cancel the underlying action on
// ctx expiry, only to return.
type Driver interface {
	Run(ctx context.Context, text string) error
}

// ExecDriver drives the application through a helper executable at the
// configured path. One invocation per command; concurrency control is the
// arbiter's job, not ours.
type ExecDriver struct {
	AppPath string
	Log     *slog.Logger
}

func (d *ExecDriver) Run(ctx context.Context, text string) error {
	if d.AppPath == "" {
		return errors.New("automation: app path not configured")
	}

	cmd := exec.CommandContext(ctx, d.AppPath, "--send", text)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.Log.Error("automation helper failed", "appPath", d.AppPath, "output", string(out), "error", err)
		return fmt.Errorf("automation: %w", err)
	}
	return nil
}
