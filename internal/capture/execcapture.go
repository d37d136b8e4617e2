package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os/exec"

	"deskrelay/internal/model"
	"deskrelay/internal/relaerr"
)

// ExecCapturer shells out to the capture helper for one still image. The
// helper prints a PNG of the requested region to stdout.
type ExecCapturer struct {
	ToolPath string
	Log      *slog.Logger
}

func (c *ExecCapturer) Capture(area model.CaptureArea) (image.Image, error) {
	if c.ToolPath == "" {
		return nil, fmt.Errorf("%w: capture tool not configured", relaerr.ErrCaptureUnavailable)
	}

	region := fmt.Sprintf("%d,%d,%d,%d", area.X, area.Y, area.Width, area.Height)
	cmd := exec.Command(c.ToolPath, "--capture", region)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		c.Log.Error("capture helper failed", "toolPath", c.ToolPath, "error", err)
		return nil, fmt.Errorf("%w: %v", relaerr.ErrCaptureUnavailable, err)
	}

	img, err := png.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding helper output: %v", relaerr.ErrCaptureUnavailable, err)
	}
	return img, nil
}
