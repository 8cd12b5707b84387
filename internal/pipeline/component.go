// Package pipeline runs a graph of sources, transforms and sinks built from a
// config.Config and applies config diffs to it in place.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loykin/tapline/internal/config"
)

// Event is a single log event. Values are JSON compatible.
type Event map[string]any

// Clone returns a shallow copy so fan-out targets can mutate their own event.
func (e Event) Clone() Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

type Kind string

const (
	KindSource    Kind = "source"
	KindTransform Kind = "transform"
	KindSink      Kind = "sink"
)

// Extra is caller supplied state handed to every component factory.
type Extra map[string]any

// BuildContext is what a factory gets to build one component.
type BuildContext struct {
	Name    string
	Kind    Kind
	Options map[string]any
	Global  config.GlobalOptions
	Extra   Extra
	Logger  *slog.Logger
}

// Output is where a source or transform publishes events.
type Output interface {
	Send(ctx context.Context, ev Event) error
}

// Source produces events until ctx is cancelled or it runs out of input. A nil
// return means the source finished; any other error is a crash.
type Source interface {
	Run(ctx context.Context, out Output) error
}

// Transform maps one event to zero or more events. An error drops the event.
type Transform interface {
	Apply(ctx context.Context, ev Event) ([]Event, error)
}

// Sink consumes events until in is closed. A non-nil error other than ctx
// cancellation is a crash.
type Sink interface {
	Run(ctx context.Context, in <-chan Event) error
}

// Opener is implemented by components that acquire resources right before they
// start. Open runs after the instance they replace has stopped.
type Opener interface {
	Open(ctx context.Context) error
}

// Closer releases resources after the component stopped.
type Closer interface {
	Close() error
}

// HealthChecker reports whether a component's downstream is reachable.
type HealthChecker interface {
	Healthcheck(ctx context.Context) error
}

type (
	SourceFactory    func(BuildContext) (Source, error)
	TransformFactory func(BuildContext) (Transform, error)
	SinkFactory      func(BuildContext) (Sink, error)
)

var ErrUnknownComponentType = errors.New("unknown component type")

var registry = struct {
	mu         sync.RWMutex
	sources    map[string]SourceFactory
	transforms map[string]TransformFactory
	sinks      map[string]SinkFactory
}{
	sources:    map[string]SourceFactory{},
	transforms: map[string]TransformFactory{},
	sinks:      map[string]SinkFactory{},
}

// RegisterSource makes a source type available. It panics on duplicates.
func RegisterSource(typ string, f SourceFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.sources[typ]; dup {
		panic("pipeline: source type registered twice: " + typ)
	}
	registry.sources[typ] = f
}

// RegisterTransform makes a transform type available. It panics on duplicates.
func RegisterTransform(typ string, f TransformFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.transforms[typ]; dup {
		panic("pipeline: transform type registered twice: " + typ)
	}
	registry.transforms[typ] = f
}

// RegisterSink makes a sink type available. It panics on duplicates.
func RegisterSink(typ string, f SinkFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, dup := registry.sinks[typ]; dup {
		panic("pipeline: sink type registered twice: " + typ)
	}
	registry.sinks[typ] = f
}

// Types lists registered type names per kind, sorted.
func Types() map[Kind][]string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := map[Kind][]string{}
	for k := range registry.sources {
		out[KindSource] = append(out[KindSource], k)
	}
	for k := range registry.transforms {
		out[KindTransform] = append(out[KindTransform], k)
	}
	for k := range registry.sinks {
		out[KindSink] = append(out[KindSink], k)
	}
	for _, v := range out {
		sort.Strings(v)
	}
	return out
}

func known(kind Kind, typ string) bool {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	switch kind {
	case KindSource:
		_, ok := registry.sources[typ]
		return ok
	case KindTransform:
		_, ok := registry.transforms[typ]
		return ok
	case KindSink:
		_, ok := registry.sinks[typ]
		return ok
	}
	return false
}

// build instantiates one component. The result is a Source, Transform or Sink.
func build(bc BuildContext, typ string) (any, error) {
	registry.mu.RLock()
	sf, sok := registry.sources[typ]
	tf, tok := registry.transforms[typ]
	kf, kok := registry.sinks[typ]
	registry.mu.RUnlock()

	var (
		c   any
		err error
	)
	switch {
	case bc.Kind == KindSource && sok:
		c, err = sf(bc)
	case bc.Kind == KindTransform && tok:
		c, err = tf(bc)
	case bc.Kind == KindSink && kok:
		c, err = kf(bc)
	default:
		return nil, fmt.Errorf("%w: %s %q has type %q", ErrUnknownComponentType, bc.Kind, bc.Name, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", bc.Kind, bc.Name, err)
	}
	return c, nil
}
