package supervisor

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// IgnoreNuisanceSignals keeps a closed pipe or a vanishing terminal from
// taking the whole process down while connectors are being supervised.
func IgnoreNuisanceSignals() {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives or errC yields. A
// signal returns nil so the caller can run its shutdown sequence.
func WaitForShutdown(errC <-chan error, log *zerolog.Logger) error {
	signals := make(chan os.Signal, 10)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	select {
	case err := <-errC:
		return err
	case s := <-signals:
		log.Info().Str("signal", s.String()).Msg("Shutting down")
		return nil
	}
}
