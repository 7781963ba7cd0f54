package application

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/promptwire/promptwire/internal/domain/service"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
	"github.com/promptwire/promptwire/internal/infrastructure/config"
)

// Version is stamped at build time.
var Version = "0.0.0-dev"

// proxyState is the mutable process-wide state interactive commands may
// read and change. Changes persist through the overrides file so they
// survive restarts.
type proxyState struct {
	mu             sync.RWMutex
	commandPrefix  string
	defaultBackend string
	thinkingLocked bool

	registry      *backend.Registry
	redactor      *service.Redactor
	overridesPath string
	logger        *zap.Logger
}

var _ service.ApplicationState = (*proxyState)(nil)

func newProxyState(cfg *config.Config, registry *backend.Registry, redactor *service.Redactor, logger *zap.Logger) *proxyState {
	return &proxyState{
		commandPrefix:  cfg.Proxy.CommandPrefix,
		defaultBackend: cfg.Proxy.DefaultBackend,
		thinkingLocked: cfg.Proxy.ThinkingBudget > 0,
		registry:       registry,
		redactor:       redactor,
		overridesPath:  config.OverridesPath(),
		logger:         logger.With(zap.String("component", "app_state")),
	}
}

func (s *proxyState) AppName() string    { return config.AppName }
func (s *proxyState) AppVersion() string { return Version }

func (s *proxyState) CommandPrefix() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commandPrefix
}

func (s *proxyState) SetCommandPrefix(prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fmt.Errorf("command prefix must not be empty")
	}
	s.mu.Lock()
	s.commandPrefix = prefix
	s.mu.Unlock()
	s.redactor.SetCommandPrefix(prefix)
	s.persist()
	return nil
}

func (s *proxyState) DefaultBackend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultBackend
}

func (s *proxyState) SetDefaultBackend(name string) error {
	if _, ok := s.registry.Get(name); !ok {
		return fmt.Errorf("backend %q is not registered", name)
	}
	s.mu.Lock()
	s.defaultBackend = name
	s.mu.Unlock()
	s.persist()
	return nil
}

func (s *proxyState) RedactionEnabled() bool { return s.redactor.Enabled() }

func (s *proxyState) SetRedactionEnabled(enabled bool) {
	s.redactor.SetEnabled(enabled)
	s.persist()
}

func (s *proxyState) FunctionalBackends() []string { return s.registry.Functional() }

func (s *proxyState) BackendRegistered(name string) bool {
	_, ok := s.registry.Get(name)
	return ok
}

func (s *proxyState) BackendModels(ctx context.Context, name string) ([]string, error) {
	adapter, ok := s.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", name)
	}
	apiKey := ""
	if key, ok := s.registry.FirstKey(name); ok {
		apiKey = key.Value
	}
	return adapter.Models(ctx, apiKey)
}

func (s *proxyState) ThinkingBudgetLocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thinkingLocked
}

// persist writes the command-changed settings to the overrides file.
// Failures are logged, never surfaced: the in-memory change already took
// effect.
func (s *proxyState) persist() {
	s.mu.RLock()
	redaction := s.redactor.Enabled()
	o := config.Overrides{
		DefaultBackend: s.defaultBackend,
		CommandPrefix:  s.commandPrefix,
		Redaction:      &redaction,
	}
	s.mu.RUnlock()

	if err := config.SaveOverrides(s.overridesPath, o); err != nil {
		s.logger.Warn("persisting overrides failed", zap.Error(err))
	}
}
