package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Change is one reload reported by a [Watcher].
type Change struct {
	Old, New *Config

	// Diff lists what changed. A tab whose page fixture was edited on disk
	// is listed in Diff.TabsChanged even when its config entry is the same.
	Diff ConfigDiff
}

// fileState identifies one version of a watched file.
type fileState struct {
	mtime time.Time
	hash  [sha256.Size]byte
}

// Watcher polls the config file and the page fixtures it references. Edits
// that leave the parsed config and every page unchanged (comments,
// formatting, touch) are not reported; invalid edits are logged and the
// last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)

	// checkMu serialises polls with explicit Check calls.
	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	file    fileState
	pages   map[string]fileState // by page path

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it in the background. onChange
// may be nil.
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.file = st
	w.pages = scanPages(cfg, nil)

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. It is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check looks for changes now instead of waiting for the next poll and
// reports whether a change was applied. The callback has returned by the
// time Check does.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	w.mu.Lock()
	old, file, pages := w.current, w.file, w.pages
	w.mu.Unlock()

	cfg := old
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	if !info.ModTime().Equal(file.mtime) {
		loaded, st, err := w.load()
		if err != nil {
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			return false
		}
		if st.hash != file.hash {
			cfg = loaded
		}
		file = st
	}

	newPages := scanPages(cfg, pages)
	d := Diff(old, cfg)
	d.TabsChanged = mergeTabs(d.TabsChanged, editedPages(cfg, pages, newPages))

	w.mu.Lock()
	w.current = cfg
	w.file = file
	w.pages = newPages
	w.mu.Unlock()

	if d.Empty() {
		return false
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"session_changed", d.SessionChanged,
		"tabs_changed", d.TabsChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(Change{Old: old, New: cfg, Diff: d})
	}
	return true
}

// load reads, parses and validates the config file.
func (w *Watcher) load() (*Config, fileState, error) {
	data, mtime, err := readFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: mtime, hash: sha256.Sum256(data)}, nil
}

func readFile(path string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// scanPages returns the state of every page fixture cfg references. Files
// whose mtime matches prev are not re-read. Unreadable pages are left out
// and logged; the tab reload reports the actual error.
func scanPages(cfg *Config, prev map[string]fileState) map[string]fileState {
	out := make(map[string]fileState)
	for _, tc := range cfg.Tabs {
		if tc.Page == "" {
			continue
		}
		if _, seen := out[tc.Page]; seen {
			continue
		}
		info, err := os.Stat(tc.Page)
		if err != nil {
			slog.Debug("config watcher: cannot stat page", "tab_id", tc.ID, "page", tc.Page, "err", err)
			continue
		}
		if p, ok := prev[tc.Page]; ok && p.mtime.Equal(info.ModTime()) {
			out[tc.Page] = p
			continue
		}
		data, mtime, err := readFile(tc.Page)
		if err != nil {
			slog.Debug("config watcher: cannot read page", "tab_id", tc.ID, "page", tc.Page, "err", err)
			continue
		}
		out[tc.Page] = fileState{mtime: mtime, hash: sha256.Sum256(data)}
	}
	return out
}

// editedPages lists the tabs of cfg whose page content differs between
// prev and next.
func editedPages(cfg *Config, prev, next map[string]fileState) []string {
	var ids []string
	for _, tc := range cfg.Tabs {
		p, hadPrev := prev[tc.Page]
		n, hasNext := next[tc.Page]
		if tc.Page == "" || !hadPrev || !hasNext {
			continue
		}
		if p.hash != n.hash {
			ids = append(ids, tc.ID)
		}
	}
	return ids
}

func mergeTabs(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(set))
}
