package harness

import (
	"io"
	"os/exec"

	"github.com/creack/pty"
)

// startPTY starts cmd attached to a pseudo-terminal and returns the combined
// output reader and the input writer (both the pty master). Agents running
// on a pty merge stderr into the terminal stream, so no separate stderr
// reader exists in this mode.
func startPTY(cmd *exec.Cmd) (io.ReadCloser, io.WriteCloser, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, err
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})
	return ptmx, ptmx, nil
}
