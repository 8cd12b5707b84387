package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/loykin/tapline/internal/config"
	"gopkg.in/yaml.v3"
)

// ChangeSet lists component names of one kind by what happens to them on reload.
type ChangeSet struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

// Diff compares two configs component by component.
type Diff struct {
	Sources    ChangeSet
	Transforms ChangeSet
	Sinks      ChangeSet
}

// NewDiff computes what a reload from old to new must do. Components named in
// force are treated as changed even when their config is identical.
func NewDiff(old, new *config.Config, force map[string]struct{}) Diff {
	return Diff{
		Sources:    diffComponents(old.Sources, new.Sources, force),
		Transforms: diffComponents(old.Transforms, new.Transforms, force),
		Sinks:      diffComponents(old.Sinks, new.Sinks, force),
	}
}

func diffComponents(old, new map[string]config.ComponentConfig, force map[string]struct{}) ChangeSet {
	var cs ChangeSet
	for name, nc := range new {
		oc, exists := old[name]
		if !exists {
			cs.Added = append(cs.Added, name)
			continue
		}
		_, forced := force[name]
		if forced || hashComponent(oc) != hashComponent(nc) {
			cs.Changed = append(cs.Changed, name)
		} else {
			cs.Unchanged = append(cs.Unchanged, name)
		}
	}
	for name := range old {
		if _, exists := new[name]; !exists {
			cs.Removed = append(cs.Removed, name)
		}
	}
	sort.Strings(cs.Added)
	sort.Strings(cs.Removed)
	sort.Strings(cs.Changed)
	sort.Strings(cs.Unchanged)
	return cs
}

// IsEmpty reports whether no component is added, removed or changed.
func (d Diff) IsEmpty() bool {
	for _, cs := range []ChangeSet{d.Sources, d.Transforms, d.Sinks} {
		if len(cs.Added)+len(cs.Removed)+len(cs.Changed) > 0 {
			return false
		}
	}
	return true
}

// replaced returns the names whose running instance goes away (removed or changed).
func (d Diff) replaced() map[string]struct{} {
	out := map[string]struct{}{}
	for _, cs := range []ChangeSet{d.Sources, d.Transforms, d.Sinks} {
		for _, n := range cs.Removed {
			out[n] = struct{}{}
		}
		for _, n := range cs.Changed {
			out[n] = struct{}{}
		}
	}
	return out
}

func hashComponent(c config.ComponentConfig) string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("error:%v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
