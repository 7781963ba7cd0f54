package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Bootstrap ensures ~/.promptwire exists with a starter config. Called
// once at startup; safe to call again, it only creates what is missing.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	for _, dir := range []string{root, filepath.Join(root, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		logger.Debug("config home OK", zap.String("home", root))
		return nil
	}
	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		logger.Warn("failed to write starter config", zap.String("path", configPath), zap.Error(err))
		return nil
	}
	logger.Info("starter config written", zap.String("path", configPath))
	return nil
}

// defaultConfig is the commented starter file written on first launch.
const defaultConfig = `# promptwire configuration
# Auto-generated on first launch. Every value here can also be set through
# PROMPTWIRE_* environment variables, e.g. PROMPTWIRE_SERVER_PORT=9000.

server:
  host: 0.0.0.0
  port: 8000
  mode: local              # local | production
  # auth_keys:             # client bearer tokens; empty list = public
  #   - "changeme"
  disable_auth: false

proxy:
  command_prefix: "!/"     # marks in-band commands inside chat messages
  default_backend: openai
  # thinking_budget: 4096  # pin the reasoning budget and lock the commands
  session_prefix: proxy
  session_ttl: 12h
  redaction: true

# Upstream backends. API keys are NOT configured here; export
# <BACKEND>_API_KEY (and _1.._N for extra keys), e.g. OPENROUTER_API_KEY_2.
backends:
  - name: openai
    type: openai
  - name: anthropic
    type: anthropic
  - name: gemini
    type: gemini
  - name: openrouter
    type: openai
    base_url: https://openrouter.ai/api/v1

rate_limit:
  limit: 0                 # requests per key per window; 0 = unlimited
  window: 60s
  store: memory            # memory | redis

capture:
  # file: wire.log         # uncomment to record requests and replies
  max_bytes: 10485760
  max_files: 5
  rotate_interval_seconds: 0
  total_max_bytes: 104857600
  truncate_bytes: 65536

database:
  type: memory             # memory | sqlite | postgres
  dsn: promptwire.db

log:
  level: info              # debug | info | warn | error
  format: json             # json | console
`
