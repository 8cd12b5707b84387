package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loykin/tapline/internal/config"
)

// Validate checks the graph shape of cfg: known types, unique names, inputs that
// exist and no cycles. Option values are checked later by the factories.
func Validate(cfg *config.Config) []string {
	var errs []string
	kinds := map[string]Kind{}
	check := func(kind Kind, m map[string]config.ComponentConfig) {
		for _, name := range sortedNames(m) {
			c := m[name]
			if prev, dup := kinds[name]; dup {
				errs = append(errs, fmt.Sprintf("component id %q is used by a %s and a %s", name, prev, kind))
				continue
			}
			kinds[name] = kind
			switch {
			case c.Type == "":
				errs = append(errs, fmt.Sprintf("%s %q: missing type", kind, name))
			case !known(kind, c.Type):
				errs = append(errs, fmt.Sprintf("%s %q: unknown type %q", kind, name, c.Type))
			}
		}
	}
	check(KindSource, cfg.Sources)
	check(KindTransform, cfg.Transforms)
	check(KindSink, cfg.Sinks)

	for _, name := range sortedNames(cfg.Sources) {
		if len(cfg.Sources[name].Inputs) > 0 {
			errs = append(errs, fmt.Sprintf("source %q: sources do not take inputs", name))
		}
	}
	consumers := func(kind Kind, m map[string]config.ComponentConfig) {
		for _, name := range sortedNames(m) {
			inputs := m[name].Inputs
			if len(inputs) == 0 {
				errs = append(errs, fmt.Sprintf("%s %q has no inputs", kind, name))
			}
			for _, in := range inputs {
				k, ok := kinds[in]
				switch {
				case !ok:
					errs = append(errs, fmt.Sprintf("input %q for %s %q doesn't match any components", in, kind, name))
				case k == KindSink:
					errs = append(errs, fmt.Sprintf("input %q for %s %q is a sink", in, kind, name))
				case in == name:
					errs = append(errs, fmt.Sprintf("%s %q lists itself as an input", kind, name))
				}
			}
		}
	}
	consumers(KindTransform, cfg.Transforms)
	consumers(KindSink, cfg.Sinks)

	if cycle := findCycle(cfg.Transforms); len(cycle) > 0 {
		errs = append(errs, "cyclic dependency detected: "+strings.Join(cycle, " -> "))
	}
	return errs
}

// findCycle returns one cycle among transforms, or nil.
func findCycle(transforms map[string]config.ComponentConfig) []string {
	const (
		white = iota
		grey
		black
	)
	color := map[string]int{}
	var stack []string
	var visit func(string) []string
	visit = func(n string) []string {
		color[n] = grey
		stack = append(stack, n)
		for _, in := range transforms[n].Inputs {
			if _, isTransform := transforms[in]; !isTransform || in == n {
				continue
			}
			switch color[in] {
			case grey:
				for i, s := range stack {
					if s == in {
						return append(append([]string(nil), stack[i:]...), in)
					}
				}
			case white:
				if c := visit(in); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}
	for _, n := range sortedNames(transforms) {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

func sortedNames(m map[string]config.ComponentConfig) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
