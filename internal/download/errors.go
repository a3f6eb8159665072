package download

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoStream    = errors.New("download: no usable stream")
	ErrDiskFull    = errors.New("download: insufficient disk space")
	ErrMergeFailed = errors.New("download: merge failed")
)

// MergeError carries the muxer's exit state and its trailing stderr lines.
// The stream parts stay on disk for inspection and resume.
type MergeError struct {
	ItemID   string
	ExitCode int
	Stderr   []string
	Err      error
}

func (e *MergeError) Error() string {
	msg := fmt.Sprintf("merge %s failed (exit %d)", e.ItemID, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Stderr) > 0 {
		msg += "; stderr: " + strings.Join(e.Stderr, " | ")
	}
	return msg
}

func (e *MergeError) Unwrap() error { return ErrMergeFailed }
