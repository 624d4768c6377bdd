package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// cliOptions are the flags reserved for the CLI itself; everything else on
// the command line becomes a command parameter.
type cliOptions struct {
	configDir string
	timeout   time.Duration
	target    string
}

// parseArgs splits --flag=value arguments into reserved CLI options and
// command parameters. Parameter values are JSON-coerced: true/false, numbers,
// and {...}/[...] literals arrive typed; everything else stays a string.
func parseArgs(args []string) (map[string]any, cliOptions, error) {
	opts := cliOptions{configDir: "."}
	params := make(map[string]any)

	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			return nil, opts, fmt.Errorf("unexpected argument %q (parameters use --name=value)", arg)
		}
		body := strings.TrimPrefix(arg, "--")
		name, value, found := strings.Cut(body, "=")
		if name == "" {
			return nil, opts, fmt.Errorf("malformed argument %q", arg)
		}
		if !found {
			// Bare --flag is boolean true.
			value = "true"
		}

		switch name {
		case "config-dir":
			opts.configDir = value
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, opts, fmt.Errorf("--timeout: invalid duration %q", value)
			}
			opts.timeout = d
		case "target":
			opts.target = value
		default:
			params[name] = coerceValue(value)
		}
	}
	return params, opts, nil
}

func coerceValue(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		return v
	}
	return value
}
