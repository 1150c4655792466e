package main

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/tuinnel/tuinnel/cmd/tuinnel/cliutil"
	"github.com/tuinnel/tuinnel/hello"
	"github.com/tuinnel/tuinnel/logger"
	"github.com/tuinnel/tuinnel/supervisor"
)

func buildHelloCommand() *cli.Command {
	return &cli.Command{
		Name:  "hello",
		Usage: "Serve the built-in test origin",
		Description: `Runs a local page to put behind a tunnel when there is nothing else to
expose yet:

   tuinnel hello --port 8080 &
   tuinnel up --quick 8080`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "port",
				Value: 8080,
				Usage: "Local `PORT` to serve on",
			},
		},
		Action: cliutil.WithErrorHandler(helloAction),
	}
}

func helloAction(c *cli.Context) error {
	log := logger.FromContext(c)

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", c.Int("port")))
	if err != nil {
		return errors.Wrap(err, "start test origin")
	}
	server := hello.NewServer(log)
	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(listener)
	}()
	fmt.Printf("Serving test origin at http://%s\n", listener.Addr())
	fmt.Printf("Expose it with: tuinnel up --quick %d\n", c.Int("port"))

	waitErr := supervisor.WaitForShutdown(errC, log)
	_ = server.Shutdown()
	return waitErr
}
