package app

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/livedub/internal/config"
	"github.com/MrWong99/livedub/internal/dom"
	"github.com/MrWong99/livedub/internal/suppress"
)

// tab is a configured tab whose page is loaded and wired to the
// suppression bus: one relay plus one agent per frame.
type tab struct {
	id     string
	page   *dom.Page
	relay  *suppress.Relay
	agents []*suppress.Agent
}

// openTab loads the page fixture of tc and attaches it to bus. A tab without
// a page has no media to suppress and is returned without a page.
func openTab(bus suppress.Bus, tc config.TabConfig) (*tab, error) {
	t := &tab{id: tc.ID}
	if tc.Page == "" {
		return t, nil
	}
	page, err := dom.LoadPageFile(tc.Page)
	if err != nil {
		return nil, fmt.Errorf("app: tab %s: %w", tc.ID, err)
	}
	if page.TabID() != tc.ID {
		page.Close()
		return nil, fmt.Errorf("app: tab %s: page fixture %q is for tab %q", tc.ID, tc.Page, page.TabID())
	}
	t.page = page
	t.relay = suppress.NewRelay(bus, tc.ID)
	for _, doc := range page.Documents() {
		t.agents = append(t.agents, suppress.Attach(bus, tc.ID, doc.FrameID(), doc))
	}
	return t, nil
}

// close detaches every agent, which restores any media they muted.
func (t *tab) close() {
	for _, a := range t.agents {
		a.Detach()
	}
	if t.relay != nil {
		_ = t.relay.Close()
	}
	if t.page != nil {
		t.page.Close()
	}
}

// tabSet holds the open tabs keyed by id.
type tabSet struct {
	bus suppress.Bus

	mu   sync.RWMutex
	tabs map[string]*tab
}

func newTabSet(bus suppress.Bus, tabs []config.TabConfig) (*tabSet, error) {
	s := &tabSet{bus: bus, tabs: make(map[string]*tab, len(tabs))}
	for _, tc := range tabs {
		t, err := openTab(bus, tc)
		if err != nil {
			s.close()
			return nil, err
		}
		s.tabs[tc.ID] = t
	}
	return s, nil
}

// get returns the open tab id.
func (s *tabSet) get(id string) (*tab, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tabs[id]
	return t, ok
}

// ids returns the open tab ids in sorted order.
func (s *tabSet) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tabs))
	for id := range s.tabs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// reload reopens the tabs listed in changed from cfg. Tabs no longer
// configured are closed. A tab that fails to load is dropped and its error
// reported; the rest are still applied.
func (s *tabSet) reload(cfg *config.Config, changed []string) error {
	var errs []error
	for _, id := range changed {
		var next *tab
		if tc, ok := cfg.Tab(id); ok {
			t, err := openTab(s.bus, tc)
			if err != nil {
				errs = append(errs, err)
			} else {
				next = t
			}
		}

		s.mu.Lock()
		prev := s.tabs[id]
		if next != nil {
			s.tabs[id] = next
		} else {
			delete(s.tabs, id)
		}
		s.mu.Unlock()

		if prev != nil {
			prev.close()
		}
		slog.Info("tab reloaded", "tab_id", id, "loaded", next != nil)
	}
	return errors.Join(errs...)
}

func (s *tabSet) close() {
	s.mu.Lock()
	tabs := s.tabs
	s.tabs = make(map[string]*tab)
	s.mu.Unlock()
	for _, t := range tabs {
		t.close()
	}
}
