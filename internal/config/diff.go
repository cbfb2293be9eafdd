package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is set when values read at session start changed.
	// They apply to the next session without a restart.
	SessionChanged bool

	// TabsChanged lists tab ids that were added, removed or repointed.
	TabsChanged []string

	// RestartRequired is set when server settings changed. Those only take
	// effect after the process restarts.
	RestartRequired bool
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.TabsChanged) == 0 && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Server address and TLS cannot move under a running listener.
	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = true
	}

	if !reflect.DeepEqual(old.Speech, new.Speech) ||
		!reflect.DeepEqual(old.Capture, new.Capture) ||
		!reflect.DeepEqual(old.Playback, new.Playback) ||
		!reflect.DeepEqual(old.Suppression, new.Suppression) ||
		old.Restart != new.Restart {
		d.SessionChanged = true
	}

	oldTabs := make(map[string]TabConfig, len(old.Tabs))
	for _, t := range old.Tabs {
		oldTabs[t.ID] = t
	}
	newTabs := make(map[string]TabConfig, len(new.Tabs))
	for _, t := range new.Tabs {
		newTabs[t.ID] = t
	}
	for id, nt := range newTabs {
		if ot, ok := oldTabs[id]; !ok || !reflect.DeepEqual(ot, nt) {
			d.TabsChanged = append(d.TabsChanged, id)
		}
	}
	for id := range oldTabs {
		if _, ok := newTabs[id]; !ok {
			d.TabsChanged = append(d.TabsChanged, id)
		}
	}
	slices.Sort(d.TabsChanged)

	return d
}
