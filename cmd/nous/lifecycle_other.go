//go:build !unix

package main

import (
	"os"

	"github.com/MarcoPoloResearchLab/nous/internal/connectivity"
)

var lifecycleSignals = map[os.Signal]connectivity.Signal{}
