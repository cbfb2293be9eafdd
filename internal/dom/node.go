package dom

// Node is an element in a document tree.
type Node struct {
	// Tag is the element name, e.g. "video" or "my-player".
	Tag string

	// ID is the element id attribute.
	ID string

	// Children are the light-DOM child elements.
	Children []*Node

	// Shadow is the root of an attached shadow tree, if any.
	Shadow *Node

	// Content is the document of an iframe element, if any.
	Content *Document

	// Media is set for audio and video elements.
	Media *MediaElement
}

// Walk calls fn for n and every node below it, including shadow trees but
// not iframe content documents. Walking stops early when fn returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	if !n.Shadow.Walk(fn) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// MediaElement is the playback state of an audio or video element. Its
// methods must be called on the owning document's loop.
type MediaElement struct {
	id          string
	muted       bool
	volume      float64
	paused      bool
	currentTime float64

	listeners []*listener
	owner     any
	seeks     int
}

type listener struct {
	fn func(*MediaElement)
}

// NewMediaElement returns an element with the given initial state.
func NewMediaElement(id string, muted bool, volume float64, playing bool) *MediaElement {
	return &MediaElement{
		id:     id,
		muted:  muted,
		volume: clamp(volume),
		paused: !playing,
	}
}

// ID returns the element id.
func (m *MediaElement) ID() string { return m.id }

// Muted reports the muted attribute.
func (m *MediaElement) Muted() bool { return m.muted }

// Volume returns the volume in [0, 1].
func (m *MediaElement) Volume() float64 { return m.volume }

// Paused reports whether playback is paused.
func (m *MediaElement) Paused() bool { return m.paused }

// CurrentTime returns the playback position in seconds.
func (m *MediaElement) CurrentTime() float64 { return m.currentTime }

// Seeks returns how many times the element was seeked.
func (m *MediaElement) Seeks() int { return m.seeks }

// SetMuted sets the muted attribute and fires volumechange if it changed.
func (m *MediaElement) SetMuted(v bool) {
	if m.muted == v {
		return
	}
	m.muted = v
	m.fireVolumeChange()
}

// SetVolume sets the volume, clamped to [0, 1], and fires volumechange if
// it changed.
func (m *MediaElement) SetVolume(v float64) {
	v = clamp(v)
	if m.volume == v {
		return
	}
	m.volume = v
	m.fireVolumeChange()
}

// Play resumes playback.
func (m *MediaElement) Play() { m.paused = false }

// Pause pauses playback.
func (m *MediaElement) Pause() { m.paused = true }

// Seek moves the playback position. Seeking discards buffered output.
func (m *MediaElement) Seek(t float64) {
	m.currentTime = t
	m.seeks++
}

// SetCurrentTime moves the playback position as normal playback would,
// without a seek.
func (m *MediaElement) SetCurrentTime(t float64) { m.currentTime = t }

// OnVolumeChange registers fn to run synchronously after every change of
// muted or volume. The returned func removes the listener.
func (m *MediaElement) OnVolumeChange(fn func(*MediaElement)) (remove func()) {
	l := &listener{fn: fn}
	m.listeners = append(m.listeners, l)
	return func() {
		for i, x := range m.listeners {
			if x == l {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// Listeners returns the number of registered volume-change listeners.
func (m *MediaElement) Listeners() int { return len(m.listeners) }

// Claim marks the element as managed by owner. It reports true if the
// element was free or already claimed by owner.
func (m *MediaElement) Claim(owner any) bool {
	if m.owner != nil && m.owner != owner {
		return false
	}
	m.owner = owner
	return true
}

// Release clears the claim if it is held by owner.
func (m *MediaElement) Release(owner any) {
	if m.owner == owner {
		m.owner = nil
	}
}

func (m *MediaElement) fireVolumeChange() {
	ls := make([]*listener, len(m.listeners))
	copy(ls, m.listeners)
	for _, l := range ls {
		l.fn(m)
	}
}

func clamp(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
