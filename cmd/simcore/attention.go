package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/nvandessel/simcore/internal/connection"
)

// operatorHost gets the operator's attention once a run is live: it rings
// the terminal bell and asks attached connection managers to flash.
type operatorHost struct {
	hub    *connection.Hub
	bell   io.Writer
	logger *slog.Logger
}

func (o *operatorHost) FlashWindow() {
	id := o.hub.Last().SimulationID
	o.logger.Info("simulation running, requesting operator attention", "simulation", id, "clients", o.hub.Clients())
	if o.bell != nil {
		fmt.Fprint(o.bell, "\a")
	}
	o.hub.Attention(id)
}
