package main

import (
	"bytes"
	"context"
	"flag"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/tuinnel/tuinnel/cfdlog"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/history"
	"github.com/tuinnel/tuinnel/pidfile"
	"github.com/tuinnel/tuinnel/tunnelstate"
	"github.com/tuinnel/tuinnel/watcher"
)

func testConfig() config.GlobalConfig {
	cfg := config.NewGlobalConfig()
	cfg.Tunnels["api"] = config.TunnelConfig{
		Port:      3000,
		Subdomain: "api",
		Zone:      "example.com",
		Protocol:  "http",
		LastState: config.StateRunning,
		TunnelID:  "5f8f2ce9-e481-4eb6-bbb0-c0b1f10c0e3e",
	}
	cfg.Tunnels["web"] = config.TunnelConfig{
		Port:      8080,
		Subdomain: "www",
		Zone:      "example.com",
		Protocol:  "https",
	}
	return cfg
}

func testManager(t *testing.T) *config.FileManager {
	t.Helper()
	log := zerolog.Nop()
	fw, err := watcher.NewFile()
	require.NoError(t, err)
	manager, err := config.NewFileManager(fw, config.Path(t.TempDir()), &log)
	require.NoError(t, err)
	return manager
}

func TestBuildListingsSortsByName(t *testing.T) {
	listings := buildListings(testConfig())
	require.Len(t, listings, 2)

	assert.Equal(t, "api", listings[0].Name)
	assert.Equal(t, "api.example.com", listings[0].Hostname)
	assert.Equal(t, config.StateRunning, listings[0].LastState)
	assert.Equal(t, "web", listings[1].Name)
	assert.Equal(t, 8080, listings[1].Port)
}

func TestBuildStatusesDerivesState(t *testing.T) {
	startedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	running := map[string]pidfile.Entry{
		"web": {PID: 4242, StartedAt: startedAt},
	}

	statuses := buildStatuses(testConfig(), running)
	require.Len(t, statuses, 2)

	api, web := statuses[0], statuses[1]
	// recorded as running but the connector is gone
	assert.Equal(t, "api", api.Name)
	assert.Equal(t, "exited", api.State)
	assert.Zero(t, api.PID)

	assert.Equal(t, config.StateRunning, web.State)
	assert.Equal(t, 4242, web.PID)
	require.NotNil(t, web.StartedAt)
	assert.True(t, startedAt.Equal(*web.StartedAt))
}

func TestBuildStatusesDefaultsToStopped(t *testing.T) {
	cfg := config.NewGlobalConfig()
	cfg.Tunnels["db"] = config.TunnelConfig{Port: 5432, Subdomain: "db", Zone: "example.com", Protocol: "http"}

	statuses := buildStatuses(cfg, nil)
	require.Len(t, statuses, 1)
	assert.Equal(t, config.StateStopped, statuses[0].State)
}

func TestPrintEventFormats(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	var buf bytes.Buffer
	printEvent(&buf, history.Event{Timestamp: ts, Level: "INF", Message: "Starting tunnel"})
	assert.Equal(t, "2024-05-01T12:30:00Z INF Starting tunnel\n", buf.String())

	buf.Reset()
	printEvent(&buf, history.Event{
		Timestamp:    ts,
		Level:        "INF",
		Message:      "Connection registered",
		Registration: &cfdlog.Registration{ConnIndex: 2, Location: "ams08", Protocol: "quic"},
	})
	assert.Equal(t,
		"2024-05-01T12:30:00Z INF Connection registered connIndex=2 location=ams08 protocol=quic\n",
		buf.String())
}

func TestApplyEditFlags(t *testing.T) {
	flagSet := flag.NewFlagSet("edit", flag.PanicOnError)
	flagSet.Int("port", 0, "")
	flagSet.String("subdomain", "", "")
	c := cli.NewContext(cli.NewApp(), flagSet, nil)
	require.NoError(t, c.Set("port", "9090"))

	current := config.TunnelConfig{
		Port:      8080,
		Subdomain: "www",
		Zone:      "example.com",
		Protocol:  "https",
		TunnelID:  "5f8f2ce9-e481-4eb6-bbb0-c0b1f10c0e3e",
	}
	next := applyEditFlags(c, current)

	assert.Equal(t, 9090, next.Port)
	// unset flags leave the definition alone
	assert.Equal(t, "www", next.Subdomain)
	assert.Equal(t, "example.com", next.Zone)
	assert.Equal(t, "https", next.Protocol)
	assert.Equal(t, current.TunnelID, next.TunnelID)
}

func TestScrubConfigClearsProviderState(t *testing.T) {
	manager := testManager(t)
	require.NoError(t, manager.WriteConfig(testConfig()))

	require.NoError(t, scrubConfig(manager))

	cfg, err := manager.GetConfig()
	require.NoError(t, err)
	api := cfg.Tunnels["api"]
	assert.Empty(t, api.TunnelID)
	assert.Equal(t, config.StateStopped, api.LastState)
	// definitions without provider state stay as they were
	assert.Equal(t, 8080, cfg.Tunnels["web"].Port)
	assert.Empty(t, cfg.Tunnels["web"].LastState)
}

func TestConfigReloaderTracksDefinitions(t *testing.T) {
	log := zerolog.Nop()
	manager := testManager(t)
	cfg := testConfig()
	require.NoError(t, manager.WriteConfig(cfg))

	svc := tunnelstate.NewService(nil, manager, &log)
	svc.Load(cfg)

	delete(cfg.Tunnels, "web")
	cfg.Tunnels["extra"] = config.TunnelConfig{Port: 9000, Subdomain: "extra", Zone: "example.com", Protocol: "http"}

	reloader := &configReloader{c: context.Background(), svc: svc, log: &log}
	reloader.ConfigDidUpdate(cfg)

	var names []string
	for _, rt := range svc.Runtimes() {
		names = append(names, rt.Name)
	}
	assert.ElementsMatch(t, []string{"api", "extra"}, names)
}

func TestCommandsAreRegistered(t *testing.T) {
	app := buildApp()

	var names []string
	for _, command := range app.Commands {
		names = append(names, command.Name)
	}
	for _, want := range []string{"add", "remove", "list", "edit", "up", "down", "delete", "status", "logs", "hello", "purge", "version"} {
		assert.Contains(t, names, want)
	}
}
