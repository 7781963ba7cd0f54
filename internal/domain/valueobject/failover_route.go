package valueobject

import (
	"fmt"
	"strings"
)

// FailoverPolicy selects how a route's elements and the per-backend key
// lists are combined into an ordered attempt sequence.
type FailoverPolicy string

const (
	// PolicyKeyFan exhausts every key of the first element's backend.
	PolicyKeyFan FailoverPolicy = "k"
	// PolicyModelFan tries each element once with its backend's first key.
	PolicyModelFan FailoverPolicy = "m"
	// PolicyKeysThenModels exhausts all keys of an element before moving on.
	PolicyKeysThenModels FailoverPolicy = "km"
	// PolicyModelsThenKeys cycles elements at key index 0, then index 1, and so on.
	PolicyModelsThenKeys FailoverPolicy = "mk"
)

// ValidFailoverPolicy reports whether p is one of the four known policies.
func ValidFailoverPolicy(p string) bool {
	switch FailoverPolicy(p) {
	case PolicyKeyFan, PolicyModelFan, PolicyKeysThenModels, PolicyModelsThenKeys:
		return true
	}
	return false
}

// FailoverRoute is an immutable, named, policy-driven ordered list of
// "backend:model" elements.
type FailoverRoute struct {
	name     string
	policy   FailoverPolicy
	elements []string
}

// NewFailoverRoute creates an empty route. The policy must be one of
// k, m, km, mk.
func NewFailoverRoute(name, policy string) (FailoverRoute, error) {
	if name == "" {
		return FailoverRoute{}, fmt.Errorf("route name must not be empty")
	}
	if !ValidFailoverPolicy(policy) {
		return FailoverRoute{}, fmt.Errorf("unknown failover policy %q (want k, m, km or mk)", policy)
	}
	return FailoverRoute{name: name, policy: FailoverPolicy(policy)}, nil
}

// ParseRouteElement validates a "backend:model" element and returns the two
// halves. The model part may itself contain colons (e.g. versioned ids).
func ParseRouteElement(element string) (backend, model string, err error) {
	idx := strings.Index(element, ":")
	if idx <= 0 || idx == len(element)-1 {
		return "", "", fmt.Errorf("route element %q must have the form backend:model", element)
	}
	return element[:idx], element[idx+1:], nil
}

func (r FailoverRoute) Name() string { return r.name }

func (r FailoverRoute) Policy() FailoverPolicy { return r.policy }

// Elements returns a copy of the ordered element list.
func (r FailoverRoute) Elements() []string {
	out := make([]string, len(r.elements))
	copy(out, r.elements)
	return out
}

func (r FailoverRoute) Len() int { return len(r.elements) }

// WithAppended returns a new route with element added at the end.
func (r FailoverRoute) WithAppended(element string) (FailoverRoute, error) {
	if _, _, err := ParseRouteElement(element); err != nil {
		return r, err
	}
	elems := make([]string, 0, len(r.elements)+1)
	elems = append(elems, r.elements...)
	elems = append(elems, element)
	return FailoverRoute{name: r.name, policy: r.policy, elements: elems}, nil
}

// WithPrepended returns a new route with element added at the front.
func (r FailoverRoute) WithPrepended(element string) (FailoverRoute, error) {
	if _, _, err := ParseRouteElement(element); err != nil {
		return r, err
	}
	elems := make([]string, 0, len(r.elements)+1)
	elems = append(elems, element)
	elems = append(elems, r.elements...)
	return FailoverRoute{name: r.name, policy: r.policy, elements: elems}, nil
}

// WithCleared returns a new route with no elements.
func (r FailoverRoute) WithCleared() FailoverRoute {
	return FailoverRoute{name: r.name, policy: r.policy}
}

// Equals compares two routes by value.
func (r FailoverRoute) Equals(other FailoverRoute) bool {
	if r.name != other.name || r.policy != other.policy || len(r.elements) != len(other.elements) {
		return false
	}
	for i, e := range r.elements {
		if e != other.elements[i] {
			return false
		}
	}
	return true
}

// OneoffRoute is a single-shot (backend, model) override, consumed after the
// next successful backend call.
type OneoffRoute struct {
	backend string
	model   string
}

// NewOneoffRoute parses "backend/model" or "backend:model".
func NewOneoffRoute(spec string) (OneoffRoute, error) {
	var backend, model string
	if idx := strings.Index(spec, "/"); idx > 0 {
		backend, model = spec[:idx], spec[idx+1:]
	} else if idx := strings.Index(spec, ":"); idx > 0 {
		backend, model = spec[:idx], spec[idx+1:]
	}
	if backend == "" || model == "" {
		return OneoffRoute{}, fmt.Errorf("oneoff spec %q must have the form backend/model", spec)
	}
	return OneoffRoute{backend: backend, model: model}, nil
}

func (o OneoffRoute) Backend() string { return o.backend }

func (o OneoffRoute) Model() string { return o.model }

func (o OneoffRoute) IsZero() bool { return o.backend == "" && o.model == "" }
