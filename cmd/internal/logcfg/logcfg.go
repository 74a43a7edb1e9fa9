package logcfg

import (
	"os"

	logs "github.com/danmuck/smplog"
)

const envConfigPath = "BACKUP_LOG_CONFIG"

var candidates = []string{
	"./smplog.config.toml",
	"./local/smplog.config.toml",
}

// Load returns file-backed logging configuration when available, otherwise defaults.
// An explicit path (a --log-config flag) wins over the environment.
func Load(explicit ...string) logs.Config {
	paths := make([]string, 0, len(explicit)+1+len(candidates))
	for _, p := range explicit {
		if p != "" {
			paths = append(paths, p)
		}
	}
	if path := os.Getenv(envConfigPath); path != "" {
		paths = append(paths, path)
	}
	paths = append(paths, candidates...)

	for _, path := range paths {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}
	return logs.DefaultConfig()
}
