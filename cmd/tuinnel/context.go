package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/tuinnel/tuinnel/cfapi"
	"github.com/tuinnel/tuinnel/config"
	"github.com/tuinnel/tuinnel/logger"
	"github.com/tuinnel/tuinnel/orchestration"
	"github.com/tuinnel/tuinnel/pidfile"
	"github.com/tuinnel/tuinnel/supervisor"
	"github.com/tuinnel/tuinnel/tunnelstate"
	"github.com/tuinnel/tuinnel/updater"
	"github.com/tuinnel/tuinnel/watcher"
)

// binDirName is the state subdirectory caching the connector binary.
const binDirName = "bin"

// appContext wires the components a subcommand needs. Provider-facing
// pieces are built lazily so commands that only touch local state work
// without an API token.
type appContext struct {
	c   *cli.Context
	log *zerolog.Logger
	dir string

	fileWatcher *watcher.File
	manager     *config.FileManager
	pids        *pidfile.Registry

	apiClient cfapi.Client
	orch      *orchestration.Orchestrator
	svc       *tunnelstate.Service
}

func newAppContext(c *cli.Context) (*appContext, error) {
	log := logger.FromContext(c)

	dir := c.String(configDirFlag)
	if dir == "" {
		var err error
		dir, err = config.DefaultConfigDirectory()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "cannot create state directory %s", dir)
	}

	fileWatcher, err := watcher.NewFile()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create config watcher")
	}
	manager, err := config.NewFileManager(fileWatcher, config.Path(dir), log)
	if err != nil {
		return nil, errors.Wrap(err, "cannot watch config file")
	}

	return &appContext{
		c:           c,
		log:         log,
		dir:         dir,
		fileWatcher: fileWatcher,
		manager:     manager,
		pids:        pidfile.NewRegistry(dir, log),
	}, nil
}

func (ac *appContext) close() {
	ac.manager.Shutdown()
}

// client builds the provider API client on first use. The --api-token flag
// wins over the environment, which wins over the config file.
func (ac *appContext) client(ctx context.Context) (cfapi.Client, error) {
	if ac.apiClient != nil {
		return ac.apiClient, nil
	}

	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return nil, err
	}
	token := ac.c.String(apiTokenFlag)
	if token == "" {
		token, err = config.ResolveToken(ctx, cfg)
		if err != nil {
			return nil, err
		}
	} else if err := config.CheckToken(token); err != nil {
		return nil, err
	}

	client, err := cfapi.NewRESTClient(cfapi.DefaultBaseURL, token, userAgent(), ac.log)
	if err != nil {
		return nil, err
	}
	ac.apiClient = client
	return client, nil
}

func (ac *appContext) orchestrator(ctx context.Context) (*orchestration.Orchestrator, error) {
	if ac.orch != nil {
		return ac.orch, nil
	}

	client, err := ac.client(ctx)
	if err != nil {
		return nil, err
	}
	binary := updater.New(filepath.Join(ac.dir, binDirName), ac.log)
	orch := orchestration.NewOrchestrator(client, binary, ac.pids, ac.log)
	orch.SetSpawnOptions(supervisor.Options{
		LogLevel: ac.c.String(logger.LogLevelFlag),
	})
	ac.orch = orch
	return orch, nil
}

// service builds the state hub backed by the full provider stack.
func (ac *appContext) service(ctx context.Context) (*tunnelstate.Service, error) {
	if ac.svc != nil {
		return ac.svc, nil
	}

	orch, err := ac.orchestrator(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return nil, err
	}
	svc := tunnelstate.NewService(orch, ac.manager, ac.log)
	svc.Load(cfg)
	ac.svc = svc
	return svc, nil
}

// localService builds the state hub without a provider client, for commands
// that never leave the config file. Operations needing the provider must go
// through service instead.
func (ac *appContext) localService() (*tunnelstate.Service, error) {
	cfg, err := ac.manager.GetConfig()
	if err != nil {
		return nil, err
	}
	svc := tunnelstate.NewService(nil, ac.manager, ac.log)
	svc.Load(cfg)
	return svc, nil
}

func userAgent() string {
	return fmt.Sprintf("tuinnel/%s", Version)
}
