// Command gatekeepctl administers users and roles directly against the configured store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"gatekeep.org/internal/obs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openFromConfig).ExecuteContext(ctx); err != nil {
		obs.Logger().WithError(err).Error("gatekeepctl failed")
		stop()
		os.Exit(1)
	}
}
