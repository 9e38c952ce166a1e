//go:build windows

package main

import "os"

// stopSignals stop the active run; a second one exits immediately.
// SIGTERM does not exist on Windows.
var stopSignals = []os.Signal{os.Interrupt}
