//go:build unix

package daemon

import (
	"os"

	"golang.org/x/sys/unix"
)

var resumeSignals = []os.Signal{unix.SIGCONT, unix.SIGUSR1}
