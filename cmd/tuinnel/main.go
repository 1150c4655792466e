package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tuinnel/tuinnel/cmd/tuinnel/cliutil"
	"github.com/tuinnel/tuinnel/logger"
	"github.com/tuinnel/tuinnel/supervisor"
)

// Set at build time.
var (
	Version   = "DEV"
	BuildTime = "unknown"
)

const (
	configDirFlag = "config-dir"
	apiTokenFlag  = "api-token"
)

func main() {
	supervisor.IgnoreNuisanceSignals()

	app := buildApp()
	if err := app.Run(os.Args); err != nil {
		// cli.Exit errors have already printed and set the exit code;
		// anything else is a setup failure.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cliutil.ExitError)
	}
}

func buildApp() *cli.App {
	app := cli.NewApp()
	app.Name = "tuinnel"
	app.Usage = "Expose local ports through Cloudflare tunnels"
	app.UsageText = "tuinnel [global options] command [command options] [arguments...]"
	app.Version = fmt.Sprintf("%s (built %s)", Version, BuildTime)
	app.EnableBashCompletion = true
	app.Flags = globalFlags()
	app.Commands = commands()
	return app
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    logger.LogLevelFlag,
			Value:   "info",
			Usage:   "Application logging level {debug, info, warn, error, fatal}",
			EnvVars: []string{"TUINNEL_LOGLEVEL"},
		},
		&cli.StringFlag{
			Name:  logger.LogFileFlag,
			Usage: "Save application log to this rolling `FILE` in addition to the console",
		},
		&cli.StringFlag{
			Name:    configDirFlag,
			Usage:   "Keep configuration and state under `DIR` instead of ~/.tuinnel",
			EnvVars: []string{"TUINNEL_CONFIG_DIR"},
		},
		&cli.StringFlag{
			Name:  apiTokenFlag,
			Usage: "Cloudflare API `TOKEN` with Zone:DNS:Edit and Account:Cloudflare Tunnel:Edit",
		},
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		buildAddCommand(),
		buildRemoveCommand(),
		buildListCommand(),
		buildEditCommand(),
		buildUpCommand(),
		buildDownCommand(),
		buildDeleteCommand(),
		buildStatusCommand(),
		buildLogsCommand(),
		buildHelloCommand(),
		buildPurgeCommand(),
		buildVersionCommand(),
	}
}
