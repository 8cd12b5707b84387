package config

import (
	"log/slog"
	"regexp"
	"strings"
)

var envVarRe = regexp.MustCompile(`\$\$|\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// Interpolate expands ${VAR}, ${VAR:-default} and $VAR from lookup. "$$" is a
// literal dollar. Missing variables without a default expand to the empty string
// and are returned as warnings.
func Interpolate(input string, lookup func(string) (string, bool)) (string, []string) {
	var warnings []string
	out := envVarRe.ReplaceAllStringFunc(input, func(m string) string {
		if m == "$$" {
			return "$"
		}
		sub := envVarRe.FindStringSubmatch(m)
		name := sub[1]
		if name == "" {
			name = sub[4]
		}
		if v, ok := lookup(name); ok && (v != "" || sub[2] == "") {
			return v
		}
		if sub[2] != "" {
			return sub[3]
		}
		warnings = append(warnings, "missing environment variable in config: "+name)
		return ""
	})
	return out, warnings
}

var secretRe = regexp.MustCompile(`SECRET\[([A-Za-z0-9_]+)\.([A-Za-z0-9_./#-]+)\]`)

// secretRefs groups every SECRET[backend.key] reference in input by backend.
func secretRefs(input string) map[string][]string {
	refs := map[string][]string{}
	for _, m := range secretRe.FindAllStringSubmatch(input, -1) {
		refs[m[1]] = appendUnique(refs[m[1]], m[2])
	}
	return refs
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// replaceSecrets substitutes resolved secrets. Unresolved references are left
// untouched; the caller reports them.
func replaceSecrets(input string, resolved map[string]map[string]string) string {
	return secretRe.ReplaceAllStringFunc(input, func(m string) string {
		sub := secretRe.FindStringSubmatch(m)
		if v, ok := resolved[sub[1]][sub[2]]; ok {
			return v
		}
		return m
	})
}

func logWarnings(logger *slog.Logger, source string, warnings []string) {
	for _, w := range warnings {
		logger.Warn(strings.TrimSpace(w), "source", source)
	}
}
