package cli

import (
	"os"

	"github.com/agentsh/interlock/internal/config"
)

func defaultConfigPath() string {
	if v := os.Getenv("INTERLOCK_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"interlock.yaml", "interlock.yml", "/etc/interlock/config.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "/etc/interlock/config.yaml"
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}
