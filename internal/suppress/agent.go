package suppress

import (
	"log/slog"

	"github.com/MrWong99/livedub/internal/dom"
)

// tracked is the state an agent captured from one element before muting it.
type tracked struct {
	el             *dom.MediaElement
	originalMuted  bool
	originalVolume float64
	stopWatching   func()
}

// Agent applies suppression commands inside one frame. Everything except
// the constructor, Muted, Tracked and Detach runs on the frame's loop.
type Agent struct {
	bus     Bus
	tabID   string
	frameID string
	doc     *dom.Document

	unsubscribe func()
	stopNav     func()

	// Loop-owned state.
	muted      bool
	lastEpoch  uint64
	elements   map[*dom.MediaElement]*tracked
	order      []*tracked // mute order, for Tracked
	disconnect func()
	detached   bool
}

// Attach starts an agent for frameID of tabID acting on doc and subscribes
// it to the frame's bus endpoint.
func Attach(bus Bus, tabID, frameID string, doc *dom.Document) *Agent {
	a := &Agent{bus: bus, tabID: tabID, frameID: frameID, doc: doc}
	doc.Loop().Do(func() {
		a.stopNav = doc.OnNavigate(a.navigated)
	})
	a.unsubscribe = bus.Subscribe(Endpoint{TabID: tabID, FrameID: frameID}, a.receive)
	return a
}

// receive runs on a bus delivery goroutine.
func (a *Agent) receive(msg Message) {
	if !a.doc.Loop().Post(func() { a.apply(msg) }) {
		slog.Debug("suppress: frame loop stopped", "tab", a.tabID, "frame", a.frameID)
	}
}

func (a *Agent) apply(msg Message) {
	if a.detached {
		return
	}
	if msg.TabID != a.tabID {
		return
	}
	if msg.Epoch < a.lastEpoch {
		slog.Debug("suppress: stale command ignored",
			"tab", a.tabID, "frame", a.frameID, "command", msg.Command,
			"epoch", msg.Epoch, "last_epoch", a.lastEpoch)
		return
	}
	a.lastEpoch = msg.Epoch

	switch msg.Command {
	case Mute:
		a.mute()
	case Unmute:
		a.unmute()
	default:
		slog.Warn("suppress: unknown command", "tab", a.tabID, "frame", a.frameID, "command", msg.Command)
	}
}

// mute silences every reachable element not yet tracked. Repeated MUTEs
// only pick up new elements.
func (a *Agent) mute() {
	if !a.muted {
		a.muted = true
		a.disconnect = a.doc.ObserveAdded(a.added)
	}
	a.suppress(a.doc.MediaElements(true))
}

func (a *Agent) added(nodes []*dom.Node) {
	if !a.muted {
		return
	}
	a.suppress(a.doc.MediaIn(nodes, true))
}

func (a *Agent) suppress(els []*dom.MediaElement) {
	n := 0
	for _, el := range els {
		if _, ok := a.elements[el]; ok || !el.Claim(a) {
			continue
		}
		t := &tracked{
			el:             el,
			originalMuted:  el.Muted(),
			originalVolume: el.Volume(),
		}
		el.SetMuted(true)
		el.SetVolume(0)
		if !el.Paused() {
			// Seeking to the current position discards buffered output.
			el.Pause()
			el.Seek(el.CurrentTime())
			el.Play()
		}
		t.stopWatching = el.OnVolumeChange(reforce)
		if a.elements == nil {
			a.elements = make(map[*dom.MediaElement]*tracked)
		}
		a.elements[el] = t
		a.order = append(a.order, t)
		n++
	}
	if n > 0 {
		slog.Debug("suppress: muted elements", "tab", a.tabID, "frame", a.frameID, "count", n, "tracked", len(a.elements))
	}
}

// reforce undoes a page script unmuting a suppressed element.
func reforce(el *dom.MediaElement) {
	if !el.Muted() {
		el.SetMuted(true)
	}
	if el.Volume() != 0 {
		el.SetVolume(0)
	}
}

// unmute restores every tracked element exactly once.
func (a *Agent) unmute() {
	if !a.muted {
		return
	}
	for _, t := range a.order {
		t.stopWatching()
		t.el.SetVolume(t.originalVolume)
		t.el.SetMuted(t.originalMuted)
		t.el.Release(a)
	}
	slog.Debug("suppress: restored elements", "tab", a.tabID, "frame", a.frameID, "count", len(a.elements))
	a.reset()
}

// navigated drops state tied to the previous document content. The old
// elements are gone, so nothing is restored.
func (a *Agent) navigated() {
	for _, t := range a.order {
		t.stopWatching()
		t.el.Release(a)
	}
	a.reset()
}

func (a *Agent) reset() {
	a.muted = false
	a.elements = nil
	a.order = nil
	if a.disconnect != nil {
		a.disconnect()
		a.disconnect = nil
	}
}

// Muted reports whether the agent is suppressing media.
func (a *Agent) Muted() bool {
	var v bool
	a.doc.Loop().Do(func() { v = a.muted })
	return v
}

// Tracked returns the ids of the elements the agent has muted.
func (a *Agent) Tracked() []string {
	var ids []string
	a.doc.Loop().Do(func() {
		for _, t := range a.order {
			ids = append(ids, t.el.ID())
		}
	})
	return ids
}

// Detach unsubscribes the agent and restores any element it still holds.
func (a *Agent) Detach() {
	a.unsubscribe()
	a.doc.Loop().Do(func() {
		if a.detached {
			return
		}
		a.unmute()
		a.stopNav()
		a.detached = true
	})
}
