package valueobject

import (
	"fmt"
	"sort"
	"strings"
)

// BackendConfig holds per-session backend binding state (immutable).
// The zero value means: no backend or model override, interactive mode on,
// no custom endpoint, no failover routes.
type BackendConfig struct {
	backendType         string
	model               string
	interactiveDisabled bool
	openaiURL           string
	failoverRoutes      map[string]FailoverRoute
	oneoff              OneoffRoute
}

// NewBackendConfig returns the default config.
func NewBackendConfig() BackendConfig {
	return BackendConfig{}
}

func (bc BackendConfig) BackendType() string { return bc.backendType }

func (bc BackendConfig) Model() string { return bc.model }

func (bc BackendConfig) InteractiveMode() bool { return !bc.interactiveDisabled }

func (bc BackendConfig) OpenAIURL() string { return bc.openaiURL }

// FailoverRoute looks up a route by name.
func (bc BackendConfig) FailoverRoute(name string) (FailoverRoute, bool) {
	r, ok := bc.failoverRoutes[name]
	return r, ok
}

// FailoverRouteNames returns the route names in sorted order.
func (bc BackendConfig) FailoverRouteNames() []string {
	names := make([]string, 0, len(bc.failoverRoutes))
	for name := range bc.failoverRoutes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (bc BackendConfig) Oneoff() OneoffRoute { return bc.oneoff }

func (bc BackendConfig) WithBackendType(backend string) BackendConfig {
	next := bc
	next.backendType = backend
	return next
}

func (bc BackendConfig) WithoutBackendType() BackendConfig {
	next := bc
	next.backendType = ""
	return next
}

func (bc BackendConfig) WithModel(model string) BackendConfig {
	next := bc
	next.model = model
	return next
}

func (bc BackendConfig) WithoutModel() BackendConfig {
	next := bc
	next.model = ""
	return next
}

func (bc BackendConfig) WithInteractiveMode(enabled bool) BackendConfig {
	next := bc
	next.interactiveDisabled = !enabled
	return next
}

// WithOpenAIURL sets a custom OpenAI-compatible base URL. The value must be
// an absolute http(s) URL.
func (bc BackendConfig) WithOpenAIURL(url string) (BackendConfig, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return bc, fmt.Errorf("openai url must start with http:// or https://, got %q", url)
	}
	next := bc
	next.openaiURL = url
	return next, nil
}

func (bc BackendConfig) WithoutOpenAIURL() BackendConfig {
	next := bc
	next.openaiURL = ""
	return next
}

// WithFailoverRoute returns a config with the route stored under its name,
// replacing any previous definition.
func (bc BackendConfig) WithFailoverRoute(route FailoverRoute) BackendConfig {
	next := bc
	next.failoverRoutes = copyRoutes(bc.failoverRoutes)
	if next.failoverRoutes == nil {
		next.failoverRoutes = make(map[string]FailoverRoute, 1)
	}
	next.failoverRoutes[route.Name()] = route
	return next
}

// WithoutFailoverRoute returns a config with the named route removed.
func (bc BackendConfig) WithoutFailoverRoute(name string) BackendConfig {
	if _, ok := bc.failoverRoutes[name]; !ok {
		return bc
	}
	next := bc
	next.failoverRoutes = copyRoutes(bc.failoverRoutes)
	delete(next.failoverRoutes, name)
	return next
}

func (bc BackendConfig) WithOneoff(o OneoffRoute) BackendConfig {
	next := bc
	next.oneoff = o
	return next
}

func (bc BackendConfig) WithoutOneoff() BackendConfig {
	next := bc
	next.oneoff = OneoffRoute{}
	return next
}

func (bc BackendConfig) Equals(other BackendConfig) bool {
	if bc.backendType != other.backendType ||
		bc.model != other.model ||
		bc.interactiveDisabled != other.interactiveDisabled ||
		bc.openaiURL != other.openaiURL ||
		bc.oneoff != other.oneoff ||
		len(bc.failoverRoutes) != len(other.failoverRoutes) {
		return false
	}
	for name, route := range bc.failoverRoutes {
		o, ok := other.failoverRoutes[name]
		if !ok || !route.Equals(o) {
			return false
		}
	}
	return true
}

func copyRoutes(m map[string]FailoverRoute) map[string]FailoverRoute {
	if m == nil {
		return nil
	}
	out := make(map[string]FailoverRoute, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
