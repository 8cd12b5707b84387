package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrShutdownTimeout = errors.New("components did not stop before the graceful shutdown deadline")
	ErrStopped         = errors.New("topology stopped")
)

// RejectedError means a reload was refused and the running topology is untouched.
type RejectedError struct {
	Errors []string
}

func (e *RejectedError) Error() string {
	return "reload rejected: " + strings.Join(e.Errors, "; ")
}

type ReloadResult int

const (
	ReloadNoop ReloadResult = iota
	ReloadApplied
)

const (
	healthcheckTimeout = 10 * time.Second
	stopProgressEvery  = 5 * time.Second
)

type instance struct {
	name      string
	kind      Kind
	cfg       config.ComponentConfig
	id        string
	startedAt time.Time
	impl      any
	out       *fanout // sources and transforms
	in        *inbox  // transforms and sinks

	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool
}

func (i *instance) finished() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

type Option func(*RunningTopology)

func WithLogger(l *slog.Logger) Option {
	return func(t *RunningTopology) {
		if l != nil {
			t.logger = l
		}
	}
}

// RunningTopology is a started component graph. Reload and Stop are
// serialized; the read accessors are safe to call at any time.
type RunningTopology struct {
	logger *slog.Logger
	extra  Extra
	crash  *CrashChannel
	watch  *watchHub

	op sync.Mutex // serializes Reload and Stop

	mu         sync.Mutex
	cfg        *config.Config
	instances  map[string]*instance
	reloadSet  map[string]struct{}
	generation uint64
	finished   chan struct{}
	genCancel  context.CancelFunc
	stopped    bool
}

// Start builds, health checks, opens and runs every component of cfg. Fatal
// component errors are delivered on the returned channel.
func Start(ctx context.Context, cfg *config.Config, extra Extra, opts ...Option) (*RunningTopology, <-chan error, error) {
	t := &RunningTopology{
		logger:    slog.Default(),
		extra:     extra,
		crash:     NewCrashChannel(),
		watch:     newWatchHub(),
		cfg:       cfg,
		instances: map[string]*instance{},
		reloadSet: map[string]struct{}{},
	}
	for _, o := range opts {
		o(t)
	}
	if errs := Validate(cfg); len(errs) > 0 {
		t.crash.Close()
		return nil, nil, &RejectedError{Errors: errs}
	}

	built, errs := t.buildAll(cfg, allNames(cfg))
	if len(errs) > 0 {
		t.crash.Close()
		return nil, nil, &RejectedError{Errors: errs}
	}
	if err := t.healthcheck(ctx, cfg, built); err != nil {
		discardAll(built)
		t.crash.Close()
		return nil, nil, err
	}
	if err := openAll(ctx, built); err != nil {
		discardAll(built)
		t.crash.Close()
		return nil, nil, err
	}

	t.mu.Lock()
	t.instances = built
	rewire(cfg, t.instances, built)
	t.runAll(built)
	t.generation = 1
	t.armFinished()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.watch.publish(snap)
	recordSnapshot(snap)
	t.logger.Info("topology started", "sources", len(cfg.Sources), "transforms", len(cfg.Transforms), "sinks", len(cfg.Sinks))
	return t, t.crash.C(), nil
}

// Reload diffs cfg against the running config and applies the difference.
// A *RejectedError leaves the topology untouched; any other error means the
// topology is in an unknown state and should be shut down.
func (t *RunningTopology) Reload(ctx context.Context, cfg *config.Config) (ReloadResult, error) {
	t.op.Lock()
	defer t.op.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ReloadNoop, ErrStopped
	}
	oldCfg := t.cfg
	force := make(map[string]struct{}, len(t.reloadSet))
	for k := range t.reloadSet {
		force[k] = struct{}{}
	}
	current := make(map[string]*instance, len(t.instances))
	for k, v := range t.instances {
		current[k] = v
	}
	t.mu.Unlock()

	if errs := Validate(cfg); len(errs) > 0 {
		return ReloadNoop, &RejectedError{Errors: errs}
	}
	diff := NewDiff(oldCfg, cfg, force)
	if diff.IsEmpty() {
		t.mu.Lock()
		t.cfg = cfg
		t.mu.Unlock()
		return ReloadNoop, nil
	}

	toBuild := map[Kind][]string{
		KindSource:    append(append([]string(nil), diff.Sources.Added...), diff.Sources.Changed...),
		KindTransform: append(append([]string(nil), diff.Transforms.Added...), diff.Transforms.Changed...),
		KindSink:      append(append([]string(nil), diff.Sinks.Added...), diff.Sinks.Changed...),
	}
	built, errs := t.buildAll(cfg, toBuild)
	if len(errs) > 0 {
		return ReloadNoop, &RejectedError{Errors: errs}
	}
	if err := t.healthcheck(ctx, cfg, built); err != nil {
		discardAll(built)
		return ReloadNoop, &RejectedError{Errors: []string{err.Error()}}
	}

	replaced := diff.replaced()
	old := map[string]*instance{}
	next := map[string]*instance{}
	for name, inst := range current {
		if _, gone := replaced[name]; gone {
			old[name] = inst
			continue
		}
		next[name] = inst
	}
	for name, inst := range built {
		next[name] = inst
	}

	rewire(cfg, next, built)
	for _, inst := range old {
		if inst.kind == KindSource {
			inst.cancel()
		}
	}
	if err := waitAll(ctx, old, nil); err != nil {
		for _, inst := range old {
			inst.cancel()
		}
		discardAll(built)
		t.commit(cfg, next)
		return ReloadNoop, fmt.Errorf("waiting for replaced components: %w", err)
	}
	if err := openAll(ctx, built); err != nil {
		discardAll(built)
		t.commit(cfg, next)
		return ReloadNoop, err
	}

	t.mu.Lock()
	t.runAll(built)
	t.mu.Unlock()
	snap := t.commit(cfg, next)
	t.logger.Info("topology reloaded",
		"generation", snap.Generation,
		"added", len(diff.Sources.Added)+len(diff.Transforms.Added)+len(diff.Sinks.Added),
		"changed", len(diff.Sources.Changed)+len(diff.Transforms.Changed)+len(diff.Sinks.Changed),
		"removed", len(diff.Sources.Removed)+len(diff.Transforms.Removed)+len(diff.Sinks.Removed))
	return ReloadApplied, nil
}

func (t *RunningTopology) commit(cfg *config.Config, next map[string]*instance) Snapshot {
	t.mu.Lock()
	t.cfg = cfg
	t.instances = next
	t.generation++
	t.armFinished()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.watch.publish(snap)
	recordSnapshot(snap)
	return snap
}

func recordSnapshot(s Snapshot) {
	counts := map[Kind]int{KindSource: 0, KindTransform: 0, KindSink: 0}
	for _, c := range s.Components {
		counts[c.Kind]++
	}
	for k, n := range counts {
		metrics.SetComponents(string(k), n)
	}
	metrics.SetGeneration(s.Generation)
}

// Stop cancels every source and waits for the graph to drain. The wait is
// bounded by ctx and the config's graceful shutdown duration; on expiry the
// remaining components are abandoned.
func (t *RunningTopology) Stop(ctx context.Context) error {
	t.op.Lock()
	defer t.op.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	all := make(map[string]*instance, len(t.instances))
	for k, v := range t.instances {
		all[k] = v
	}
	grace := t.cfg.GracefulShutdownDuration
	t.mu.Unlock()

	for _, inst := range all {
		if inst.kind == KindSource {
			inst.cancel()
		}
	}

	waitCtx := ctx
	if grace > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	err := waitAll(waitCtx, all, func(remaining []string) {
		t.logger.Info("shutting down, waiting on running components", "remaining", strings.Join(remaining, ", "))
	})
	if err != nil {
		remaining := unfinished(all)
		t.logger.Error("failed to gracefully shut down in time, killing components", "remaining", strings.Join(remaining, ", "))
		for _, inst := range all {
			inst.cancel()
			if inst.in != nil {
				inst.in.abandon()
			}
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w: %s", ErrShutdownTimeout, strings.Join(remaining, ", "))
		}
	}

	t.mu.Lock()
	if t.genCancel != nil {
		t.genCancel()
	}
	t.mu.Unlock()
	t.crash.Close()
	t.watch.close()
	return err
}

// Abort reports an error raised outside the components, such as the API
// server failing, as if a component crashed.
func (t *RunningTopology) Abort(err error) { t.crash.Report(err) }

// SourcesFinished is closed once every source of the current generation has
// returned. A new channel is armed after every applied reload.
func (t *RunningTopology) SourcesFinished() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// HasSources reports whether the running config declares any source.
func (t *RunningTopology) HasSources() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.HasSources()
}

// Config returns the config the topology currently runs.
func (t *RunningTopology) Config() *config.Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *RunningTopology) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// ExtendReloadSet adds components that restart on every following reload even
// when their config is unchanged.
func (t *RunningTopology) ExtendReloadSet(names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		t.reloadSet[n] = struct{}{}
	}
}

// SetReloadSet replaces the forced restart set.
func (t *RunningTopology) SetReloadSet(names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reloadSet = make(map[string]struct{}, len(names))
	for _, n := range names {
		t.reloadSet[n] = struct{}{}
	}
}

func (t *RunningTopology) ReloadSet() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.reloadSet))
	for n := range t.reloadSet {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Snapshot describes the running graph.
func (t *RunningTopology) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Watch subscribes to snapshots published after start and every applied
// reload. The current snapshot is delivered first. Call cancel to unsubscribe.
func (t *RunningTopology) Watch() (<-chan Snapshot, func()) { return t.watch.subscribe() }

var kindOrder = map[Kind]int{KindSource: 0, KindTransform: 1, KindSink: 2}

func (t *RunningTopology) snapshotLocked() Snapshot {
	s := Snapshot{Generation: t.generation, Components: make([]ComponentInfo, 0, len(t.instances))}
	for _, inst := range t.instances {
		s.Components = append(s.Components, ComponentInfo{
			Name:       inst.name,
			Kind:       inst.kind,
			Type:       inst.cfg.Type,
			Inputs:     append([]string(nil), inst.cfg.Inputs...),
			InstanceID: inst.id,
			StartedAt:  inst.startedAt,
			Running:    inst.running.Load(),
		})
	}
	sort.Slice(s.Components, func(i, j int) bool {
		a, b := s.Components[i], s.Components[j]
		if a.Kind != b.Kind {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		return a.Name < b.Name
	})
	return s
}

// armFinished replaces the sources-finished channel for the current instances.
// Must hold t.mu.
func (t *RunningTopology) armFinished() {
	if t.genCancel != nil {
		t.genCancel()
	}
	var dones []chan struct{}
	for _, inst := range t.instances {
		if inst.kind == KindSource {
			dones = append(dones, inst.done)
		}
	}
	ch := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	t.finished, t.genCancel = ch, cancel
	go func() {
		for _, d := range dones {
			select {
			case <-d:
			case <-ctx.Done():
				return
			}
		}
		close(ch)
	}()
}

func allNames(cfg *config.Config) map[Kind][]string {
	return map[Kind][]string{
		KindSource:    sortedNames(cfg.Sources),
		KindTransform: sortedNames(cfg.Transforms),
		KindSink:      sortedNames(cfg.Sinks),
	}
}

func componentsOf(cfg *config.Config, kind Kind) map[string]config.ComponentConfig {
	switch kind {
	case KindSource:
		return cfg.Sources
	case KindTransform:
		return cfg.Transforms
	default:
		return cfg.Sinks
	}
}

func (t *RunningTopology) buildAll(cfg *config.Config, names map[Kind][]string) (map[string]*instance, []string) {
	built := map[string]*instance{}
	var errs []string
	for _, kind := range []Kind{KindSource, KindTransform, KindSink} {
		m := componentsOf(cfg, kind)
		for _, name := range names[kind] {
			cc := m[name]
			impl, err := build(BuildContext{
				Name:    name,
				Kind:    kind,
				Options: cc.Options,
				Global:  cfg.Global,
				Extra:   t.extra,
				Logger:  t.logger.With("component_kind", string(kind), "component_id", name, "component_type", cc.Type),
			}, cc.Type)
			if err != nil {
				errs = append(errs, err.Error())
				continue
			}
			inst := &instance{name: name, kind: kind, cfg: cc, id: uuid.NewString(), impl: impl, done: make(chan struct{}), cancel: func() {}}
			if kind != KindSink {
				inst.out = newFanout()
			}
			if kind != KindSource {
				inst.in = newInbox()
			}
			built[name] = inst
		}
	}
	if len(errs) > 0 {
		discardAll(built)
		return nil, errs
	}
	return built, nil
}

// healthcheck runs the checks of the given instances concurrently. Failures
// only fail the call when the config requires healthy components.
func (t *RunningTopology) healthcheck(ctx context.Context, cfg *config.Config, insts map[string]*instance) error {
	if !cfg.HealthChecks.Enabled {
		return nil
	}
	var (
		mu     sync.Mutex
		failed []string
		g      errgroup.Group
	)
	for _, inst := range insts {
		hc, ok := inst.impl.(HealthChecker)
		if !ok {
			continue
		}
		inst := inst
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
			defer cancel()
			if err := hc.Healthcheck(hctx); err != nil {
				t.logger.Warn("healthcheck failed", "component_id", inst.name, "error", err)
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s %q: %v", inst.kind, inst.name, err))
				mu.Unlock()
				return nil
			}
			t.logger.Info("healthcheck passed", "component_id", inst.name)
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 && cfg.HealthChecks.RequireHealthy {
		sort.Strings(failed)
		return fmt.Errorf("healthcheck failed: %s", strings.Join(failed, "; "))
	}
	return nil
}

func openAll(ctx context.Context, insts map[string]*instance) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range insts {
		o, ok := inst.impl.(Opener)
		if !ok {
			continue
		}
		inst := inst
		g.Go(func() error {
			if err := o.Open(gctx); err != nil {
				return fmt.Errorf("open %s %q: %w", inst.kind, inst.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// rewire points every producer in next at exactly the inboxes of the consumers
// in next that list it as an input. Fresh inboxes that ended up without any
// writer are closed so their consumer can finish.
func rewire(cfg *config.Config, next, fresh map[string]*instance) {
	want := map[string]map[*inbox]struct{}{}
	for name, inst := range next {
		if inst.out != nil {
			want[name] = map[*inbox]struct{}{}
		}
	}
	for _, inst := range next {
		if inst.in == nil {
			continue
		}
		for _, in := range inst.cfg.Inputs {
			if set, ok := want[in]; ok {
				set[inst.in] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(want))
	for n := range want {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		next[n].out.rewire(want[n])
	}
	for _, inst := range fresh {
		if inst.in != nil {
			inst.in.closeIfUnwritten()
		}
	}
}

// runAll starts consumers before producers. Must hold t.mu.
func (t *RunningTopology) runAll(insts map[string]*instance) {
	for _, kind := range []Kind{KindSink, KindTransform, KindSource} {
		for _, inst := range insts {
			if inst.kind == kind {
				t.run(inst)
			}
		}
	}
}

func (t *RunningTopology) run(inst *instance) {
	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.startedAt = time.Now().UTC()
	inst.running.Store(true)
	go func() {
		defer close(inst.done)
		err := t.runInstance(ctx, inst)
		inst.running.Store(false)
		if c, ok := inst.impl.(Closer); ok {
			if cerr := c.Close(); cerr != nil {
				t.logger.Warn("component close failed", "component_id", inst.name, "error", cerr)
			}
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("component crashed", "component_kind", string(inst.kind), "component_id", inst.name, "error", err)
			metrics.IncComponentError(inst.name)
			t.crash.Report(fmt.Errorf("%s %q: %w", inst.kind, inst.name, err))
		}
	}()
}

func (t *RunningTopology) runInstance(ctx context.Context, inst *instance) (err error) {
	if inst.out != nil {
		defer inst.out.close()
	}
	if inst.in != nil {
		defer inst.in.abandon()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch c := inst.impl.(type) {
	case Source:
		return c.Run(ctx, inst.out)
	case Transform:
		for ev := range inst.in.ch {
			out, err := c.Apply(ctx, ev)
			if err != nil {
				t.logger.Debug("event dropped", "component_id", inst.name, "error", err)
				continue
			}
			for _, e := range out {
				if err := inst.out.Send(ctx, e); err != nil {
					return err
				}
			}
		}
		return nil
	case Sink:
		return c.Run(ctx, inst.in.ch)
	}
	return fmt.Errorf("component %q has no runnable implementation (%T)", inst.name, inst.impl)
}

// discardAll releases instances that were built but never run.
func discardAll(insts map[string]*instance) {
	for _, inst := range insts {
		if inst.finished() {
			continue
		}
		if inst.out != nil {
			inst.out.close()
		}
		if inst.in != nil {
			inst.in.abandon()
		}
		if c, ok := inst.impl.(Closer); ok {
			_ = c.Close()
		}
		close(inst.done)
	}
}

// waitAll waits for every instance to finish. progress, if set, is called
// periodically with the names still running.
func waitAll(ctx context.Context, insts map[string]*instance, progress func([]string)) error {
	if len(insts) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range insts {
		inst := inst
		g.Go(func() error {
			select {
			case <-inst.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if progress == nil {
		return g.Wait()
	}
	result := make(chan error, 1)
	go func() { result <- g.Wait() }()
	ticker := time.NewTicker(stopProgressEvery)
	defer ticker.Stop()
	for {
		select {
		case err := <-result:
			return err
		case <-ticker.C:
			if remaining := unfinished(insts); len(remaining) > 0 {
				progress(remaining)
			}
		}
	}
}

func unfinished(insts map[string]*instance) []string {
	var out []string
	for name, inst := range insts {
		if !inst.finished() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
