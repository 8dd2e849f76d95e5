// Package cli implements the cityingest operator subcommands.
package cli

import (
	"fmt"
	"os"

	"github.com/lsm/cityingest/internal/config"
)

// DefaultConfigPath is read when --config is not given and the file exists.
const DefaultConfigPath = "cityingest.yaml"

func isHelp(args []string) bool {
	return len(args) > 0 && (args[0] == "-h" || args[0] == "--help")
}

func parseStringFlag(args []string, flag string) (string, error) {
	for i, arg := range args {
		if arg == flag {
			if i+1 < len(args) {
				return args[i+1], nil
			}
			return "", fmt.Errorf("flag %s requires a value", flag)
		}
	}
	return "", nil
}

func parseIntFlag(args []string, flag string, defaultVal int) (int, error) {
	str, err := parseStringFlag(args, flag)
	if err != nil {
		return 0, err
	}
	if str == "" {
		return defaultVal, nil
	}
	var val int
	if _, err := fmt.Sscanf(str, "%d", &val); err != nil {
		return 0, fmt.Errorf("invalid value for %s: must be an integer", flag)
	}
	if val < 1 {
		return 0, fmt.Errorf("invalid value for %s: must be >= 1", flag)
	}
	return val, nil
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}

// ConfigPath resolves --config, falling back to DefaultConfigPath when it
// exists and to built-in defaults otherwise.
func ConfigPath(args []string) (string, error) {
	path, err := parseStringFlag(args, "--config")
	if err != nil || path != "" {
		return path, err
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath, nil
	}
	return "", nil
}

func loadConfig(args []string) (*config.Config, error) {
	path, err := ConfigPath(args)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
