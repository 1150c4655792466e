package cliutil

import (
	"bytes"
	"flag"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func testContext(t *testing.T) *cli.Context {
	t.Helper()
	app := cli.NewApp()
	return cli.NewContext(app, flag.NewFlagSet("test", flag.ContinueOnError), nil)
}

func TestWithErrorHandlerWrapsPlainErrors(t *testing.T) {
	action := WithErrorHandler(func(c *cli.Context) error {
		return errors.New("boom")
	})

	err := action(testContext(t))
	require.Error(t, err)
	coder, ok := err.(cli.ExitCoder)
	require.True(t, ok)
	assert.Equal(t, ExitError, coder.ExitCode())
	assert.Equal(t, "boom", coder.Error())
}

func TestWithErrorHandlerKeepsExitCoders(t *testing.T) {
	action := WithErrorHandler(func(c *cli.Context) error {
		return UsageError("name a tunnel")
	})

	err := action(testContext(t))
	require.Error(t, err)
	coder, ok := err.(cli.ExitCoder)
	require.True(t, ok)
	assert.Equal(t, ExitUsage, coder.ExitCode())
}

func TestWithErrorHandlerPassesNil(t *testing.T) {
	action := WithErrorHandler(func(c *cli.Context) error { return nil })
	assert.NoError(t, action(testContext(t)))
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "json", map[string]int{"port": 3000}))
	assert.JSONEq(t, `{"port": 3000}`, buf.String())
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "yaml", map[string]int{"port": 3000}))
	assert.Contains(t, buf.String(), "port: 3000")
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "toml", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toml")
}
