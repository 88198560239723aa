//go:build unix

package main

import (
	"os"
	"syscall"

	"github.com/MarcoPoloResearchLab/nous/internal/connectivity"
)

// SIGCONT arrives when a stopped client is resumed; SIGUSR1 and SIGUSR2 let a host wrapper report
// foreground and background changes.
var lifecycleSignals = map[os.Signal]connectivity.Signal{
	syscall.SIGCONT: connectivity.Visible,
	syscall.SIGUSR1: connectivity.Visible,
	syscall.SIGUSR2: connectivity.Hidden,
}
