//go:build windows

package process

import "os"

// terminateSignal is os.Kill on Windows, which has no SIGTERM.
var terminateSignal os.Signal = os.Kill
