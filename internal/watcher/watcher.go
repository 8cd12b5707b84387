// Package watcher turns changes of config files and of files components
// depend on into reload signals.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/tapline/internal/config"
	"github.com/loykin/tapline/internal/signal"
)

type Method string

const (
	// MethodRecommended uses the platform's file notification API.
	MethodRecommended Method = "recommended"
	// MethodPoll re-reads every file on an interval.
	MethodPoll Method = "poll"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultDebounce     = time.Second
)

// ParseMethod accepts "recommended" and "poll". Empty means recommended.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodRecommended:
		return MethodRecommended, nil
	case MethodPoll:
		return MethodPoll, nil
	}
	return "", fmt.Errorf("unknown watch method %q (want recommended or poll)", s)
}

type Config struct {
	Method       Method
	PollInterval time.Duration
	// Debounce is how long a file must stay quiet before it is checked.
	// Only used by MethodRecommended.
	Debounce time.Duration
	Logger   *slog.Logger
}

type target struct {
	path       string
	config     bool
	components []string
	hash       string
}

type watcher struct {
	cfg     Config
	tx      *signal.Sender
	targets []*target
	byDir   map[string][]*target
}

// Spawn starts watching paths (config files) and the files listed per
// component until ctx is done. A changed config file yields ReloadFromDisk; a
// changed component file yields ReloadComponents for every component that
// lists it. Spawn takes ownership of tx and closes it when the watcher exits.
func Spawn(ctx context.Context, cfg Config, tx *signal.Sender, paths []string, components []config.ComponentFiles) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Method == "" {
		cfg.Method = MethodRecommended
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	w := &watcher{cfg: cfg, tx: tx, byDir: map[string][]*target{}}
	if err := w.addTargets(paths, components); err != nil {
		tx.Close()
		return err
	}

	switch cfg.Method {
	case MethodRecommended:
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			tx.Close()
			return fmt.Errorf("create file watcher: %w", err)
		}
		for dir := range w.byDir {
			if err := fsw.Add(dir); err != nil {
				_ = fsw.Close()
				tx.Close()
				return fmt.Errorf("watch %s: %w", dir, err)
			}
		}
		go w.notifyLoop(ctx, fsw)
	case MethodPoll:
		go w.pollLoop(ctx)
	default:
		tx.Close()
		return fmt.Errorf("unknown watch method %q", cfg.Method)
	}
	cfg.Logger.Info("Watching configuration files.", "method", string(cfg.Method), "files", len(w.targets))
	return nil
}

func (w *watcher) addTargets(paths []string, components []config.ComponentFiles) error {
	byPath := map[string]*target{}
	get := func(p string) (*target, error) {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		abs = filepath.Clean(abs)
		t, ok := byPath[abs]
		if !ok {
			t = &target{path: abs}
			byPath[abs] = t
			w.targets = append(w.targets, t)
			dir := filepath.Dir(abs)
			w.byDir[dir] = append(w.byDir[dir], t)
		}
		return t, nil
	}
	for _, p := range paths {
		t, err := get(p)
		if err != nil {
			return err
		}
		t.config = true
	}
	for _, cf := range components {
		for _, f := range cf.Files {
			t, err := get(f)
			if err != nil {
				return err
			}
			t.components = append(t.components, cf.Name)
		}
	}
	for _, t := range w.targets {
		t.hash = hashFile(t.path)
	}
	return nil
}

func (w *watcher) notifyLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.tx.Close()
	defer func() { _ = fsw.Close() }()

	ticker := time.NewTicker(max(w.cfg.Debounce/2, time.Millisecond))
	defer ticker.Stop()
	pending := map[*target]time.Time{}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Any change in a watched directory makes its files candidates;
			// editors and config maps replace files through renames and symlinks.
			now := time.Now()
			for _, t := range w.byDir[filepath.Dir(filepath.Clean(ev.Name))] {
				pending[t] = now
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.cfg.Logger.Error("File watcher error.", "error", err)
		case <-ticker.C:
			var ready []*target
			now := time.Now()
			for t, at := range pending {
				if now.Sub(at) >= w.cfg.Debounce {
					ready = append(ready, t)
					delete(pending, t)
				}
			}
			if len(ready) > 0 {
				w.dispatch(ready)
			}
		}
	}
}

func (w *watcher) pollLoop(ctx context.Context) {
	defer w.tx.Close()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.dispatch(w.targets)
		}
	}
}

// dispatch rehashes candidates and sends one signal for the real changes.
func (w *watcher) dispatch(candidates []*target) {
	var configChanged bool
	seen := map[string]bool{}
	var components []string
	for _, t := range candidates {
		h := hashFile(t.path)
		if h == t.hash {
			continue
		}
		t.hash = h
		if t.config {
			configChanged = true
		}
		for _, name := range t.components {
			if !seen[name] {
				seen[name] = true
				components = append(components, name)
			}
		}
	}
	switch {
	case len(components) > 0:
		sort.Strings(components)
		w.cfg.Logger.Info("Component files changed.", "components", components)
		w.tx.Send(signal.NewReloadComponents(components...))
	case configChanged:
		w.cfg.Logger.Info("Configuration file changed.")
		w.tx.Send(signal.NewReloadFromDisk())
	}
}

// hashFile returns a content digest, or "" when the file cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
