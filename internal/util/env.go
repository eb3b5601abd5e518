package util

import (
	"os"
	"sort"
	"strings"
)

// SafeEnvPrefixes are environment variable prefixes that are safe to pass through.
var SafeEnvPrefixes = []string{
	"LC_",  // Locale settings
	"XDG_", // XDG directories
}

// SafeEnvVars are specific environment variables that are safe to pass to
// the package installer.
var SafeEnvVars = map[string]bool{
	"PATH":   true,
	"HOME":   true,
	"USER":   true,
	"LANG":   true,
	"TERM":   true,
	"TZ":     true,
	"TMPDIR": true,
	"TEMP":   true,
	"TMP":    true,

	"LOGNAME":  true,
	"LANGUAGE": true,

	// Certificate bundles used by pip behind corporate proxies
	"SSL_CERT_FILE":      true,
	"SSL_CERT_DIR":       true,
	"REQUESTS_CA_BUNDLE": true,
}

// splitVar splits "NAME=value" into its parts. ok is false without "=".
func splitVar(v string) (name, value string, ok bool) {
	idx := strings.Index(v, "=")
	if idx == -1 {
		return v, "", false
	}
	return v[:idx], v[idx+1:], true
}

// FilterEnv returns the host environment reduced to safe vars, plus any
// explicitly allowed names ("VAR") or literal values ("VAR=value").
func FilterEnv(allow []string) []string {
	explicitAllow := make(map[string]bool)
	for _, v := range allow {
		name, _, _ := splitVar(v)
		if name != "" {
			explicitAllow[name] = true
		}
	}

	var filtered []string
	present := make(map[string]bool)

	for _, env := range os.Environ() {
		name, _, ok := splitVar(env)
		if !ok {
			continue
		}

		if explicitAllow[name] || SafeEnvVars[name] || hasSafePrefix(name) {
			filtered = append(filtered, env)
			present[name] = true
		}
	}

	for _, v := range allow {
		name, _, ok := splitVar(v)
		if ok && name != "" && !present[name] {
			filtered = append(filtered, v)
			present[name] = true
		}
	}

	return filtered
}

func hasSafePrefix(name string) bool {
	for _, prefix := range SafeEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// PassEnv returns only the explicitly allowed variables. Bare names take
// their value from the host and are dropped when unset; "VAR=value" entries
// are used literally. Nothing from the safelist is added: guests start from
// an empty environment.
func PassEnv(allow []string) map[string]string {
	out := make(map[string]string)
	for _, v := range allow {
		name, value, ok := splitVar(v)
		if name == "" {
			continue
		}
		if ok {
			out[name] = value
			continue
		}
		if hostValue, set := os.LookupEnv(name); set {
			out[name] = hostValue
		}
	}
	return out
}

// SortedPairs renders a map as sorted "K=V" strings.
func SortedPairs(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}
