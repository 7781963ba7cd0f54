package config

import (
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/promptwire/promptwire/internal/infrastructure/backend"
)

// EnvKeyName returns the environment variable holding a backend's primary
// API key, e.g. "openrouter" -> "OPENROUTER_API_KEY".
func EnvKeyName(backendName string) string {
	s := strings.ToUpper(strings.TrimSpace(backendName))
	s = strings.ReplaceAll(s, "-", "_")
	return s + "_API_KEY"
}

// DiscoverKeys scans the environment for each backend's key family:
// <BACKEND>_API_KEY plus <BACKEND>_API_KEY_1..N. The bare name orders
// first, numbered keys follow ascending; blank values are skipped. Only
// backends with at least one key appear in the result.
func DiscoverKeys(backendNames []string) map[string][]backend.Key {
	out := make(map[string][]backend.Key, len(backendNames))
	environ := os.Environ()

	for _, name := range backendNames {
		base := EnvKeyName(name)
		var keys []backend.Key

		if val := strings.TrimSpace(os.Getenv(base)); val != "" {
			keys = append(keys, backend.Key{Name: base, Value: val})
		}

		type numbered struct {
			n   int
			key backend.Key
		}
		var nums []numbered
		for _, kv := range environ {
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				continue
			}
			envName, val := kv[:eq], strings.TrimSpace(kv[eq+1:])
			suffix, ok := strings.CutPrefix(envName, base+"_")
			if !ok || val == "" {
				continue
			}
			n, err := strconv.Atoi(suffix)
			if err != nil || n <= 0 {
				continue
			}
			nums = append(nums, numbered{n: n, key: backend.Key{Name: envName, Value: val}})
		}
		sort.Slice(nums, func(i, j int) bool { return nums[i].n < nums[j].n })
		for _, nk := range nums {
			keys = append(keys, nk.key)
		}

		if len(keys) > 0 {
			out[name] = keys
		}
	}
	return out
}
