package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

const probeTimeout = 30 * time.Second

// Probe reports a media file's duration in seconds as seen by ffprobe.
// Maintenance uses it to verify files whose metadata is missing or suspect.
func (d *Downloader) Probe(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	args := []string{"-v", "quiet", "-print_format", "json", "-show_format", path}
	cmd := exec.CommandContext(ctx, d.ffprobeBin, args...) // #nosec G204 -- binary from config, path validated by callers
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", filepath.Base(path), err)
	}

	var data struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &data); err != nil {
		return 0, fmt.Errorf("ffprobe output: %w", err)
	}
	if data.Format.Duration == "" {
		return 0, errors.New("ffprobe reported no duration")
	}
	dur, err := strconv.ParseFloat(data.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration %q: %w", data.Format.Duration, err)
	}
	return dur, nil
}
