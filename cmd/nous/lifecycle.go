package main

import (
	"context"
	"os"

	"github.com/MarcoPoloResearchLab/nous/internal/connectivity"
)

// relayLifecycle turns host process signals into Visible/Hidden transitions until ctx ends.
// Signals without a mapping are ignored.
func relayLifecycle(ctx context.Context, monitor *connectivity.Monitor, received <-chan os.Signal, mapping map[os.Signal]connectivity.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-received:
			if lifecycle, ok := mapping[sig]; ok {
				monitor.Emit(ctx, lifecycle)
			}
		}
	}
}
