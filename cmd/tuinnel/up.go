package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/tuinnel/tuinnel/cmd/tuinnel/cliutil"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/diagnostic"
	"github.com/tuinnel/tuinnel/history"
	"github.com/tuinnel/tuinnel/supervisor"
	"github.com/tuinnel/tuinnel/tunnelstate"
)

const (
	proberInterval = 15 * time.Second
	quickURLWait   = 30 * time.Second
	quickURLPoll   = 250 * time.Millisecond
)

func buildUpCommand() *cli.Command {
	return &cli.Command{
		Name:      "up",
		Usage:     "Start tunnels and supervise their connectors",
		ArgsUsage: "[NAME...]",
		Description: `Starts the named tunnels and keeps their connectors alive until
interrupted. With --all it also restores whatever was running when the
previous invocation shut down.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Start every configured tunnel",
			},
			&cli.IntFlag{
				Name:  "quick",
				Usage: "Expose local `PORT` on an ephemeral trycloudflare.com hostname, no account needed",
			},
			&cli.StringFlag{
				Name:  "status-addr",
				Usage: "Serve the local status API on `ADDRESS`, e.g. 127.0.0.1:8343",
			},
		},
		Action: cliutil.WithErrorHandler(upAction),
	}
}

func upAction(c *cli.Context) error {
	names := c.Args().Slice()
	quickPort := c.Int("quick")
	if len(names) == 0 && !c.Bool("all") && quickPort == 0 {
		return cliutil.UsageError("nothing to start: give tunnel names, --all, or --quick PORT")
	}

	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	svc, err := ac.service(c.Context)
	if err != nil {
		return err
	}

	// durable history is best effort; supervision works without it
	store, err := history.Open(filepath.Join(ac.dir, history.DefaultFileName), ac.log)
	if err != nil {
		ac.log.Warn().Err(err).Msg("Connection history disabled")
	} else {
		svc.SetRecorder(store)
		defer store.Close()
	}

	svc.StartProber(proberInterval)

	reloader := &configReloader{c: c.Context, svc: svc, log: ac.log}
	if err := ac.manager.Start(reloader); err != nil {
		return err
	}

	errC := make(chan error, 1)

	if addr := c.String("status-addr"); addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrap(err, "start status server")
		}
		statusServer := diagnostic.NewServer(diagnostic.NewHandler(svc, ac.log), ac.log)
		go func() {
			errC <- statusServer.Serve(listener)
		}()
		defer statusServer.Shutdown()
	}

	var firstErr error
	noteFailure := func(name string, err error) {
		ac.log.Error().Err(err).Str("tunnel", name).Msg("Could not start tunnel")
		if firstErr == nil {
			firstErr = err
		}
	}

	if c.Bool("all") {
		if err := svc.AutoStart(c.Context); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		cfg, err := ac.manager.GetConfig()
		if err != nil {
			return err
		}
		names = names[:0]
		for name := range cfg.Tunnels {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 && quickPort == 0 {
			return errors.New("no tunnels configured, use 'tuinnel add' first")
		}
	}

	for _, name := range names {
		if rt, ok := svc.Runtime(name); ok && rt.PID != 0 {
			continue
		}
		if err := svc.Start(c.Context, name); err != nil {
			noteFailure(name, err)
			continue
		}
		if rt, ok := svc.Runtime(name); ok {
			fmt.Printf("Started tunnel %s at https://%s\n", name, rt.Config.Hostname())
		}
	}

	if quickPort != 0 {
		name, err := svc.StartQuick(c.Context, quickPort)
		if err != nil {
			noteFailure(fmt.Sprintf("quick-%d", quickPort), err)
		} else {
			go announceQuickURL(svc, name)
		}
	}

	running := 0
	for _, rt := range svc.Runtimes() {
		if rt.PID != 0 {
			running++
		}
	}
	if running == 0 {
		if firstErr != nil {
			return firstErr
		}
		return errors.New("no tunnels are running")
	}
	if firstErr != nil {
		ac.log.Warn().Err(firstErr).Msg("Some tunnels failed to start, supervising the rest")
	}

	daemon.SdNotify(false, "READY=1")
	waitErr := supervisor.WaitForShutdown(errC, ac.log)

	if err := svc.Shutdown(c.Context); err != nil {
		ac.log.Warn().Err(err).Msg("Could not persist state during shutdown")
	}
	return waitErr
}

// announceQuickURL prints the ephemeral hostname once the connector reports
// it. The URL only exists in the connector's output, so it arrives a moment
// after the start call returns.
func announceQuickURL(svc *tunnelstate.Service, name string) {
	deadline := time.Now().Add(quickURLWait)
	for time.Now().Before(deadline) {
		if rt, ok := svc.Runtime(name); ok && rt.PublicURL != "" {
			fmt.Printf("Quick tunnel %s is live at %s\n", name, rt.PublicURL)
			return
		}
		time.Sleep(quickURLPoll)
	}
}

// configReloader applies external edits of the config file to the running
// service: new definitions become startable runtimes, and definitions that
// vanished are dropped once nothing is running under them.
type configReloader struct {
	c   context.Context
	svc *tunnelstate.Service
	log *zerolog.Logger
}

func (r *configReloader) ConfigDidUpdate(cfg config.GlobalConfig) {
	r.svc.Load(cfg)
	for _, rt := range r.svc.Runtimes() {
		if rt.Ephemeral || rt.PID != 0 {
			continue
		}
		if _, stillDefined := cfg.Tunnels[rt.Name]; stillDefined {
			continue
		}
		if err := r.svc.Remove(r.c, rt.Name); err != nil {
			r.log.Warn().Err(err).Str("tunnel", rt.Name).Msg("Could not drop removed tunnel")
		}
	}
}
