package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/tuinnel/tuinnel/cmd/tuinnel/cliutil"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/history"
	"github.com/tuinnel/tuinnel/pidfile"
	"github.com/tuinnel/tuinnel/tunnelstate"
	"github.com/tuinnel/tuinnel/updater"
)

const (
	defaultLogsHistory = 20
	followPollInterval = time.Second
	followBatchLimit   = 500
)

func buildAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Define a new tunnel",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "port",
				Usage:    "Local `PORT` the tunnel forwards to",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "zone",
				Usage: "DNS `ZONE` of the public hostname (defaults to the config's defaultZone)",
			},
			&cli.StringFlag{
				Name:  "subdomain",
				Usage: "Subdomain under the zone (defaults to NAME)",
			},
			&cli.StringFlag{
				Name:  "protocol",
				Value: "http",
				Usage: "Origin protocol, http or https",
			},
		},
		Action: cliutil.WithErrorHandler(addAction),
	}
}

func addAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cliutil.UsageError("add takes exactly one tunnel name")
	}
	name := c.Args().First()

	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return err
	}
	zone := c.String("zone")
	if zone == "" {
		zone = cfg.DefaultZone
	}
	if zone == "" {
		return cliutil.UsageError("no zone given and no defaultZone configured; pass --zone")
	}
	subdomain := c.String("subdomain")
	if subdomain == "" {
		subdomain = name
	}

	tunnelCfg := config.TunnelConfig{
		Port:      c.Int("port"),
		Subdomain: subdomain,
		Zone:      zone,
		Protocol:  c.String("protocol"),
	}

	svc, err := ac.localService()
	if err != nil {
		return err
	}
	if err := svc.Create(name, tunnelCfg); err != nil {
		return err
	}
	fmt.Printf("Added tunnel %s serving https://%s from port %d\n", name, tunnelCfg.Hostname(), tunnelCfg.Port)
	return nil
}

func buildRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Usage:     "Forget tunnels locally, leaving their cloud resources alone",
		ArgsUsage: "NAME...",
		Action:    cliutil.WithErrorHandler(removeAction),
	}
}

func removeAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cliutil.UsageError("remove takes at least one tunnel name")
	}

	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	svc, err := ac.localService()
	if err != nil {
		return err
	}
	running, err := ac.pids.Running()
	if err != nil {
		return err
	}

	var failures *multierror.Error
	for _, name := range c.Args().Slice() {
		if entry, ok := running[name]; ok {
			failures = multierror.Append(failures,
				errors.Errorf("tunnel %q is running with pid %d. Stop it first with: tuinnel down %s", name, entry.PID, name))
			continue
		}
		if err := svc.Remove(c.Context, name); err != nil {
			failures = multierror.Append(failures, err)
			continue
		}
		fmt.Printf("Removed tunnel %s\n", name)
	}
	return failures.ErrorOrNil()
}

func buildListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List the configured tunnels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  cliutil.OutputFormatFlag,
				Usage: "Render output using given `FORMAT`. Valid options are 'json' or 'yaml'",
			},
		},
		Action: cliutil.WithErrorHandler(listAction),
	}
}

// tunnelListing is one row of list output.
type tunnelListing struct {
	Name      string `json:"name" yaml:"name"`
	Port      int    `json:"port" yaml:"port"`
	Hostname  string `json:"hostname" yaml:"hostname"`
	Protocol  string `json:"protocol" yaml:"protocol"`
	LastState string `json:"lastState,omitempty" yaml:"lastState,omitempty"`
	TunnelID  string `json:"tunnelId,omitempty" yaml:"tunnelId,omitempty"`
}

func listAction(c *cli.Context) error {
	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return err
	}
	listings := buildListings(cfg)

	if format := c.String(cliutil.OutputFormatFlag); format != "" {
		return cliutil.Render(os.Stdout, format, listings)
	}

	if len(listings) == 0 {
		fmt.Println("You have no tunnels, use 'tuinnel add' to define one")
		return nil
	}
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	defer writer.Flush()
	fmt.Fprintln(writer, "NAME\tPORT\tHOSTNAME\tPROTOCOL\tLAST STATE\t")
	for _, listing := range listings {
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t\n",
			listing.Name, listing.Port, listing.Hostname, listing.Protocol, listing.LastState)
	}
	return nil
}

func buildListings(cfg config.GlobalConfig) []tunnelListing {
	listings := make([]tunnelListing, 0, len(cfg.Tunnels))
	for name, tunnel := range cfg.Tunnels {
		listings = append(listings, tunnelListing{
			Name:      name,
			Port:      tunnel.Port,
			Hostname:  tunnel.Hostname(),
			Protocol:  tunnel.Protocol,
			LastState: tunnel.LastState,
			TunnelID:  tunnel.TunnelID,
		})
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Name < listings[j].Name })
	return listings
}

func buildEditCommand() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Change a tunnel's definition",
		ArgsUsage: "NAME",
		Description: `Applies the given flags to an existing definition. Changing the subdomain
or zone gives the tunnel a new hostname and removes the old one's cloud
resources, which needs an API token. Other changes stay local and take
effect on the next start.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Usage: "Local `PORT` the tunnel forwards to",
			},
			&cli.StringFlag{
				Name:  "zone",
				Usage: "DNS `ZONE` of the public hostname",
			},
			&cli.StringFlag{
				Name:  "subdomain",
				Usage: "Subdomain under the zone",
			},
			&cli.StringFlag{
				Name:  "protocol",
				Usage: "Origin protocol, http or https",
			},
		},
		Action: cliutil.WithErrorHandler(editAction),
	}
}

func editAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cliutil.UsageError("edit takes exactly one tunnel name")
	}
	if !c.IsSet("port") && !c.IsSet("zone") && !c.IsSet("subdomain") && !c.IsSet("protocol") {
		return cliutil.UsageError("nothing to change: pass --port, --zone, --subdomain, or --protocol")
	}
	name := c.Args().First()

	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	running, err := ac.pids.Running()
	if err != nil {
		return err
	}
	if entry, ok := running[name]; ok {
		return errors.Errorf("tunnel %q is running with pid %d. Stop it first with: tuinnel down %s", name, entry.PID, name)
	}

	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return err
	}
	current, defined := cfg.Tunnels[name]
	if !defined {
		return errors.Errorf("unknown tunnel %q", name)
	}
	next := applyEditFlags(c, current)

	// a new hostname orphans the old one's cloud resources, so that path
	// needs the provider client
	var svc *tunnelstate.Service
	if next.Subdomain != current.Subdomain || next.Zone != current.Zone {
		svc, err = ac.service(c.Context)
	} else {
		svc, err = ac.localService()
	}
	if err != nil {
		return err
	}
	if err := svc.Update(c.Context, name, next); err != nil {
		return err
	}
	fmt.Printf("Updated tunnel %s serving https://%s from port %d\n", name, next.Hostname(), next.Port)
	return nil
}

// applyEditFlags folds the set flags into an existing definition.
func applyEditFlags(c *cli.Context, current config.TunnelConfig) config.TunnelConfig {
	if c.IsSet("port") {
		current.Port = c.Int("port")
	}
	if c.IsSet("zone") {
		current.Zone = c.String("zone")
	}
	if c.IsSet("subdomain") {
		current.Subdomain = c.String("subdomain")
	}
	if c.IsSet("protocol") {
		current.Protocol = c.String("protocol")
	}
	return current
}

func buildDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Remove tunnels and their cloud resources",
		ArgsUsage: "NAME...",
		Action:    cliutil.WithErrorHandler(deleteAction),
	}
}

func deleteAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cliutil.UsageError("delete takes at least one tunnel name")
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

	var failures *multierror.Error
	for _, name := range c.Args().Slice() {
		// connectors started by another invocation are not part of this
		// service's runtime; stop them through the pid registry first
		if err := ac.pids.Terminate(name); err != nil {
			ac.log.Warn().Err(err).Str("tunnel", name).Msg("Could not stop recorded connector")
		}
		if err := svc.Delete(c.Context, name); err != nil {
			failures = multierror.Append(failures, err)
			continue
		}
		fmt.Printf("Deleted tunnel %s\n", name)
	}
	return failures.ErrorOrNil()
}

func buildStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show each tunnel's definition and whether a connector is live",
		ArgsUsage: "[NAME]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  cliutil.OutputFormatFlag,
				Usage: "Render output using given `FORMAT`. Valid options are 'json' or 'yaml'",
			},
		},
		Action: cliutil.WithErrorHandler(statusAction),
	}
}

// tunnelStatus is one row of status output: the definition joined with the
// pid registry's view of it.
type tunnelStatus struct {
	Name      string     `json:"name" yaml:"name"`
	Port      int        `json:"port" yaml:"port"`
	Hostname  string     `json:"hostname" yaml:"hostname"`
	State     string     `json:"state" yaml:"state"`
	PID       int        `json:"pid,omitempty" yaml:"pid,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
}

func statusAction(c *cli.Context) error {
	if c.NArg() > 1 {
		return cliutil.UsageError("status takes at most one tunnel name")
	}

	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return err
	}
	running, err := ac.pids.Running()
	if err != nil {
		return err
	}
	statuses := buildStatuses(cfg, running)

	if name := c.Args().First(); name != "" {
		filtered := statuses[:0]
		for _, status := range statuses {
			if status.Name == name {
				filtered = append(filtered, status)
			}
		}
		if len(filtered) == 0 {
			return errors.Errorf("unknown tunnel %q", name)
		}
		statuses = filtered
	}

	if format := c.String(cliutil.OutputFormatFlag); format != "" {
		return cliutil.Render(os.Stdout, format, statuses)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 1, ' ', 0)
	defer writer.Flush()
	fmt.Fprintln(writer, "NAME\tSTATE\tPID\tPORT\tHOSTNAME\t")
	for _, status := range statuses {
		pid := ""
		if status.PID != 0 {
			pid = fmt.Sprintf("%d", status.PID)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t\n",
			status.Name, status.State, pid, status.Port, status.Hostname)
	}
	return nil
}

func buildStatuses(cfg config.GlobalConfig, running map[string]pidfile.Entry) []tunnelStatus {
	statuses := make([]tunnelStatus, 0, len(cfg.Tunnels))
	for name, tunnel := range cfg.Tunnels {
		status := tunnelStatus{
			Name:     name,
			Port:     tunnel.Port,
			Hostname: tunnel.Hostname(),
			State:    tunnel.LastState,
		}
		if status.State == "" {
			status.State = config.StateStopped
		}
		if entry, ok := running[name]; ok {
			status.State = config.StateRunning
			status.PID = entry.PID
			startedAt := entry.StartedAt
			status.StartedAt = &startedAt
		} else if status.State == config.StateRunning {
			// recorded as running but no live pid: the connector died
			// without this tool seeing it go
			status.State = "exited"
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func buildPurgeCommand() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Remove every tuinnel-created cloud resource and reset local state",
		Description: `Deletes all provider tunnels named tuinnel-* and the DNS records routing
through them, stops any connectors this tool recorded, and clears stale
tunnel ids from the local config. This is the recovery path when a failed
start could not undo its own provisioning.`,
		Action: cliutil.WithErrorHandler(purgeAction),
	}
}

func purgeAction(c *cli.Context) error {
	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	orch, err := ac.orchestrator(c.Context)
	if err != nil {
		return err
	}

	running, err := ac.pids.Running()
	if err != nil {
		return err
	}
	for name := range running {
		if err := ac.pids.Terminate(name); err != nil {
			ac.log.Warn().Err(err).Str("tunnel", name).Msg("Could not stop recorded connector")
		}
	}

	report, purgeErr := orch.Purge(c.Context)
	if report != nil {
		fmt.Printf("Deleted %d tunnels and %d DNS records\n", report.TunnelsDeleted, report.RecordsDeleted)
	}

	if err := scrubConfig(ac.manager); err != nil {
		ac.log.Warn().Err(err).Msg("Could not clear tunnel ids from the config")
	}
	return purgeErr
}

// scrubConfig detaches every definition from provider state: the tunnels the
// ids referred to are gone after a purge.
func scrubConfig(manager *config.FileManager) error {
	cfg, err := manager.GetConfig()
	if err != nil {
		return err
	}
	changed := false
	for name, tunnel := range cfg.Tunnels {
		if tunnel.TunnelID == "" && tunnel.LastState != config.StateRunning {
			continue
		}
		tunnel.TunnelID = ""
		tunnel.LastState = config.StateStopped
		cfg.Tunnels[name] = tunnel
		changed = true
	}
	if !changed {
		return nil
	}
	return manager.WriteConfig(cfg)
}

func buildLogsCommand() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "Show a tunnel's connection history",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "follow",
				Usage: "Keep printing new events as they are recorded",
			},
			&cli.IntFlag{
				Name:  "history",
				Value: defaultLogsHistory,
				Usage: "Print the newest `N` recorded events first",
			},
		},
		Action: cliutil.WithErrorHandler(logsAction),
	}
}

func logsAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cliutil.UsageError("logs takes exactly one tunnel name")
	}
	name := c.Args().First()

	ac, err := newAppContext(c)
	if err != nil {
		return err
	}
	defer ac.close()

	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return err
	}

	store, err := history.Open(filepath.Join(ac.dir, history.DefaultFileName), ac.log)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.Tail(name, c.Int("history"))
	if err != nil {
		return err
	}
	if _, defined := cfg.Tunnels[name]; !defined && len(events) == 0 {
		return errors.Errorf("unknown tunnel %q", name)
	}
	var lastID int64
	for _, event := range events {
		printEvent(os.Stdout, event)
		lastID = event.ID
	}
	if !c.Bool("follow") {
		return nil
	}

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case <-signals:
			return nil
		case <-ticker.C:
			events, err := store.Since(name, lastID, followBatchLimit)
			if err != nil {
				return err
			}
			for _, event := range events {
				printEvent(os.Stdout, event)
				lastID = event.ID
			}
		}
	}
}

func printEvent(w io.Writer, event history.Event) {
	fmt.Fprintf(w, "%s %s %s", event.Timestamp.UTC().Format(time.RFC3339), event.Level, event.Message)
	if reg := event.Registration; reg != nil {
		fmt.Fprintf(w, " connIndex=%d location=%s protocol=%s", reg.ConnIndex, reg.Location, reg.Protocol)
	}
	fmt.Fprintln(w)
}

func buildVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			cli.ShowVersion(c)
			printConnectorVersion(c)
			return nil
		},
	}
}

// printConnectorVersion reports the cached connector, if one was ever
// downloaded.
func printConnectorVersion(c *cli.Context) {
	dir := c.String(configDirFlag)
	if dir == "" {
		var err error
		dir, err = config.DefaultConfigDirectory()
		if err != nil {
			return
		}
	}
	log := zerolog.Nop()
	cache := updater.New(filepath.Join(dir, binDirName), &log)
	version, err := cache.InstalledVersion()
	if err != nil || version == "" {
		return
	}
	fmt.Printf("cloudflared %s (cached at %s)\n", version, cache.BinaryPath())
}
