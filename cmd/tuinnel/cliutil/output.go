package cliutil

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OutputFormatFlag is the name of the flag selecting structured output.
const OutputFormatFlag = "output"

// Render writes v to w in the requested format. An empty format is the
// caller's cue to print its human-readable table instead.
func Render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		return yaml.NewEncoder(w).Encode(v)
	default:
		return errors.Errorf("unknown output format %q, expected json or yaml", format)
	}
}
