//go:build !windows

package main

import (
	"os"
	"syscall"
)

// stopSignals stop the active run; a second one exits immediately.
var stopSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
