package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvTelegramToken = "CASTBOT_TELEGRAM_TOKEN"
	EnvRedisAddr     = "CASTBOT_REDIS_ADDR"
)

// loadDotEnv loads a .env file sitting next to the config file, then one in
// the working directory. Variables already set in the process win.
func loadDotEnv(cfgPath string) error {
	candidates := []string{filepath.Join(filepath.Dir(cfgPath), ".env"), ".env"}
	seen := map[string]bool{}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv overlays secrets and endpoints from the environment.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		cfg.Claims.Redis.Addr = v
	}
}
