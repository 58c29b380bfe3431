// Package config parses the process command line:
//
//	<prog> <server-ip> [<server-port>] [<serial-dev>] [-d]
package config

import (
	"fmt"
)

const (
	// DefaultPort is used when <server-port> is omitted.
	DefaultPort = 14006
	// DefaultSerialDevice is used when <serial-dev> is omitted.
	DefaultSerialDevice = "/dev/ttyUSB0"
)

// Config holds the parsed command line.
type Config struct {
	ServerIP     string
	ServerPort   int
	SerialDevice string
	// Debug selects the debug upstream message terminator byte ('@' 0x40)
	// instead of the production one (0x00), when set.
	Debug bool
}

// Parse parses args (excluding the program name, i.e. os.Args[1:]) into a
// Config, applying the port/device defaults when omitted. The -d flag comes
// last, after the positional arguments, which the standard flag package
// cannot parse directly (it stops scanning flags at the first non-flag
// token), so -d is pulled out of args wherever it appears before the
// remaining positionals are parsed in order.
func Parse(args []string) (Config, error) {
	debug := false
	positional := make([]string, 0, len(args))
	for _, a := range args {
		if a == "-d" {
			debug = true
			continue
		}
		positional = append(positional, a)
	}

	if len(positional) < 1 {
		return Config{}, fmt.Errorf("usage: sapient-mercury <server-ip> [<server-port>] [<serial-dev>] [-d]")
	}

	cfg := Config{
		ServerIP:     positional[0],
		ServerPort:   DefaultPort,
		SerialDevice: DefaultSerialDevice,
		Debug:        debug,
	}

	if len(positional) >= 2 {
		port, err := parsePort(positional[1])
		if err != nil {
			return Config{}, err
		}
		cfg.ServerPort = port
	}
	if len(positional) >= 3 {
		cfg.SerialDevice = positional[2]
	}

	return cfg, nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, fmt.Errorf("config: invalid server port %q: %w", s, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("config: server port %d out of range", port)
	}
	return port, nil
}
