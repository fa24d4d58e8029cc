// Package sigutil exposes process termination signals as a channel.
package sigutil

import (
	"os"
	"os/signal"
	"syscall"
)

// Done returns a channel that closes on SIGINT or SIGTERM.
func Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		close(done)
	}()

	return done
}
