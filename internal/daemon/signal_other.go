//go:build !unix

package daemon

import "os"

var resumeSignals []os.Signal
