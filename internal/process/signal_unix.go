//go:build !windows

package process

import (
	"os"
	"syscall"
)

// terminateSignal asks the test-case process to shut down gracefully.
var terminateSignal os.Signal = syscall.SIGTERM
