package main

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/tuinnel/tuinnel/cmd/tuinnel/cliutil"
	"github.com/tuinnel/tuinnel/config"
)

func buildDownCommand() *cli.Command {
	return &cli.Command{
		Name:      "down",
		Usage:     "Stop running tunnels",
		ArgsUsage: "[NAME...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Stop every running tunnel",
			},
			&cli.BoolFlag{
				Name:  "clean",
				Usage: "Also remove the stopped tunnels' cloud resources",
			},
		},
		Action: cliutil.WithErrorHandler(downAction),
	}
}

func downAction(c *cli.Context) error {
	if c.NArg() == 0 && !c.Bool("all") {
		return cliutil.UsageError("nothing to stop: give tunnel names or --all")
	}

	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	running, err := ac.pids.Running()
	if err != nil {
		return err
	}

	names := c.Args().Slice()
	if c.Bool("all") {
		names = names[:0]
		for name := range running {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) == 0 {
			fmt.Println("No tunnels are running")
			return nil
		}
	}

	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return err
	}

	var failures *multierror.Error
	changed := false
	for _, name := range names {
		entry, isRunning := running[name]
		if isRunning {
			if err := ac.pids.Terminate(name); err != nil {
				failures = multierror.Append(failures, errors.Wrapf(err, "stop tunnel %q", name))
				continue
			}
			fmt.Printf("Stopped tunnel %s (pid %d)\n", name, entry.PID)
		} else if !c.Bool("clean") {
			fmt.Printf("Tunnel %s is not running\n", name)
		}
		if tunnel, defined := cfg.Tunnels[name]; defined && tunnel.LastState != config.StateStopped {
			tunnel.LastState = config.StateStopped
			cfg.Tunnels[name] = tunnel
			changed = true
		}
	}

	if c.Bool("clean") {
		orch, err := ac.orchestrator(c.Context)
		if err != nil {
			failures = multierror.Append(failures, err)
		} else {
			for _, name := range names {
				tunnel, defined := cfg.Tunnels[name]
				if !defined {
					continue
				}
				if err := orch.Deprovision(c.Context, name, tunnel); err != nil {
					failures = multierror.Append(failures, errors.Wrapf(err, "clean tunnel %q", name))
					continue
				}
				if tunnel.TunnelID != "" {
					tunnel.TunnelID = ""
					cfg.Tunnels[name] = tunnel
					changed = true
				}
				fmt.Printf("Removed cloud resources for %s\n", name)
			}
		}
	}

	if changed {
		if err := ac.manager.WriteConfig(cfg); err != nil {
			failures = multierror.Append(failures, errors.Wrap(err, "persist state"))
		}
	}
	return failures.ErrorOrNil()
}
