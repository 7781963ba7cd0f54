// Package failover turns a session's route definitions into an ordered
// attempt list and drives it: rate-limit gate per attempt, retry-after
// propagation, last-error surfacing.
package failover

import (
	"fmt"

	"github.com/promptwire/promptwire/internal/domain/valueobject"
	"github.com/promptwire/promptwire/internal/infrastructure/backend"
)

// Attempt is one (backend, model, key) try.
type Attempt struct {
	Backend string
	Model   string
	Key     backend.Key
}

// ID is the rate-limiter key for this attempt.
func (a Attempt) ID() string {
	return fmt.Sprintf("%s:%s:%s", a.Backend, a.Model, a.Key.Name)
}

// KeySource is the slice of the backend registry the planner consults.
// Unknown backends report an empty key list.
type KeySource interface {
	Keys(name string) []backend.Key
}

// ExpandRoute expands a route into attempts per its policy. Elements whose
// backend holds no keys contribute nothing; under policy k only the first
// element counts, so a keyless first backend yields an empty plan.
func ExpandRoute(route valueobject.FailoverRoute, keys KeySource) []Attempt {
	elements := route.Elements()
	if len(elements) == 0 {
		return nil
	}

	type element struct {
		backend string
		model   string
		keys    []backend.Key
	}
	parsed := make([]element, 0, len(elements))
	for _, raw := range elements {
		b, m, err := valueobject.ParseRouteElement(raw)
		if err != nil {
			continue
		}
		parsed = append(parsed, element{backend: b, model: m, keys: keys.Keys(b)})
	}
	if len(parsed) == 0 {
		return nil
	}

	var attempts []Attempt
	switch route.Policy() {
	case valueobject.PolicyKeyFan:
		first := parsed[0]
		for _, key := range first.keys {
			attempts = append(attempts, Attempt{Backend: first.backend, Model: first.model, Key: key})
		}
	case valueobject.PolicyModelFan:
		for _, el := range parsed {
			if len(el.keys) == 0 {
				continue
			}
			attempts = append(attempts, Attempt{Backend: el.backend, Model: el.model, Key: el.keys[0]})
		}
	case valueobject.PolicyKeysThenModels:
		for _, el := range parsed {
			for _, key := range el.keys {
				attempts = append(attempts, Attempt{Backend: el.backend, Model: el.model, Key: key})
			}
		}
	case valueobject.PolicyModelsThenKeys:
		maxKeys := 0
		for _, el := range parsed {
			if len(el.keys) > maxKeys {
				maxKeys = len(el.keys)
			}
		}
		for i := 0; i < maxKeys; i++ {
			for _, el := range parsed {
				if i < len(el.keys) {
					attempts = append(attempts, Attempt{Backend: el.backend, Model: el.model, Key: el.keys[i]})
				}
			}
		}
	}
	return attempts
}

// SingleAttempt builds the no-route fallback: one attempt on the given
// backend with its first key. ok is false when the backend holds no keys.
func SingleAttempt(backendName, model string, keys KeySource) (Attempt, bool) {
	list := keys.Keys(backendName)
	if len(list) == 0 {
		return Attempt{}, false
	}
	return Attempt{Backend: backendName, Model: model, Key: list[0]}, true
}
