// Package signal carries control requests (reload, shutdown, quit) from OS
// signals, the config watcher, config providers and the API to the application
// run loop.
package signal

import (
	"fmt"
	"strings"

	"github.com/loykin/tapline/internal/config"
)

type Kind int

const (
	// ReloadFromDisk re-reads the config paths the application was started with.
	ReloadFromDisk Kind = iota
	// ReloadComponents forces the named components to restart, then reloads from disk.
	ReloadComponents
	// ReloadFromConfigBuilder applies an in-memory config.
	ReloadFromConfigBuilder
	// Shutdown requests a graceful stop, optionally caused by an error.
	Shutdown
	// Quit requests an immediate stop.
	Quit
)

func (k Kind) String() string {
	switch k {
	case ReloadFromDisk:
		return "reload_from_disk"
	case ReloadComponents:
		return "reload_components"
	case ReloadFromConfigBuilder:
		return "reload_from_config_builder"
	case Shutdown:
		return "shutdown"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Signal is a control request. Components is set for ReloadComponents, Config
// for ReloadFromConfigBuilder and Err (possibly nil) for Shutdown.
type Signal struct {
	Kind       Kind
	Components []string
	Config     *config.Builder
	Err        error
}

func NewReloadFromDisk() Signal { return Signal{Kind: ReloadFromDisk} }

func NewReloadComponents(names ...string) Signal {
	return Signal{Kind: ReloadComponents, Components: names}
}

func NewReloadFromConfigBuilder(b *config.Builder) Signal {
	return Signal{Kind: ReloadFromConfigBuilder, Config: b}
}

func NewShutdown(err error) Signal { return Signal{Kind: Shutdown, Err: err} }

func NewQuit() Signal { return Signal{Kind: Quit} }

// IsTerminating reports whether the signal ends the running phase.
func (s Signal) IsTerminating() bool {
	return s.Kind == Shutdown || s.Kind == Quit
}

func (s Signal) String() string {
	switch s.Kind {
	case ReloadComponents:
		return fmt.Sprintf("%s[%s]", s.Kind, strings.Join(s.Components, ","))
	case ReloadFromConfigBuilder:
		if s.Config != nil {
			return fmt.Sprintf("%s[%s]", s.Kind, s.Config.Source())
		}
	case Shutdown:
		if s.Err != nil {
			return fmt.Sprintf("%s[%v]", s.Kind, s.Err)
		}
	}
	return s.Kind.String()
}
