package ffmpeg

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Detect when the ffmpeg or ffprobe binary is
// missing from PATH.
var ErrNotFound = errors.New("ffmpeg: binary not found")

// stderrTailLimit bounds how much tool stderr a ProcessError carries.
const stderrTailLimit = 2048

// ProcessError reports a non-zero exit of the external tool, with the tail
// of its stderr for diagnosis.
type ProcessError struct {
	Op     string // driver operation, e.g. "mix", "normalize"
	Args   []string
	Stderr string
	Err    error
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("ffmpeg %s failed: %v: %s", e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("ffmpeg %s failed: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

func newProcessError(op string, args []string, stderr []byte, err error) *ProcessError {
	tail := string(stderr)
	if len(tail) > stderrTailLimit {
		tail = tail[len(tail)-stderrTailLimit:]
	}
	return &ProcessError{Op: op, Args: args, Stderr: tail, Err: err}
}
