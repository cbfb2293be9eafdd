package dom

// Document is the content of one frame. Its methods must be called on the
// document's loop, except Loop, FrameID and Origin.
type Document struct {
	frameID string
	origin  string
	loop    *Loop
	root    *Node

	observers []*observer
	navs      []*observer
}

type observer struct {
	added func([]*Node)
	nav   func()
}

// NewDocument returns an empty document for frameID served from origin.
func NewDocument(frameID, origin string, loop *Loop) *Document {
	return &Document{
		frameID: frameID,
		origin:  origin,
		loop:    loop,
		root:    &Node{Tag: "html"},
	}
}

// Loop returns the event loop the document runs on.
func (d *Document) Loop() *Loop { return d.loop }

// FrameID returns the identifier of the frame hosting the document.
func (d *Document) FrameID() string { return d.frameID }

// Origin returns the document origin.
func (d *Document) Origin() string { return d.origin }

// Root returns the document element.
func (d *Document) Root() *Node { return d.root }

// SameOrigin reports whether other can be scripted from d.
func (d *Document) SameOrigin(other *Document) bool {
	return other != nil && d.origin == other.origin && d.loop == other.loop
}

// Append adds child under parent (the root when parent is nil) and notifies
// mutation observers.
func (d *Document) Append(parent, child *Node) {
	if parent == nil {
		parent = d.root
	}
	parent.Children = append(parent.Children, child)
	d.notifyAdded([]*Node{child})
}

// AttachShadow gives host a shadow tree and notifies mutation observers of
// its content.
func (d *Document) AttachShadow(host, shadowRoot *Node) {
	host.Shadow = shadowRoot
	d.notifyAdded([]*Node{shadowRoot})
}

// Remove detaches child from parent (the root when parent is nil).
func (d *Document) Remove(parent, child *Node) {
	if parent == nil {
		parent = d.root
	}
	for i, c := range parent.Children {
		if c == child {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}

// Navigate replaces the document content with root, as loading a new page
// in the same frame does, and notifies navigation listeners.
func (d *Document) Navigate(root *Node) {
	if root == nil {
		root = &Node{Tag: "html"}
	}
	d.root = root
	for _, o := range append([]*observer(nil), d.navs...) {
		o.nav()
	}
}

// ObserveAdded registers fn to be called synchronously with every subtree
// added to the document. The returned func disconnects the observer.
func (d *Document) ObserveAdded(fn func(added []*Node)) (disconnect func()) {
	o := &observer{added: fn}
	d.observers = append(d.observers, o)
	return func() { d.observers = without(d.observers, o) }
}

// OnNavigate registers fn to be called after every navigation. The returned
// func removes it.
func (d *Document) OnNavigate(fn func()) (remove func()) {
	o := &observer{nav: fn}
	d.navs = append(d.navs, o)
	return func() { d.navs = without(d.navs, o) }
}

// MediaElements returns every media element reachable from the document
// root: light DOM, shadow trees and, when sameOrigin is true, the content of
// iframes that d may script.
func (d *Document) MediaElements(sameOrigin bool) []*MediaElement {
	return collectMedia(d, d.root, sameOrigin, nil)
}

// MediaIn returns the media elements in the given subtrees using the same
// reachability rules as [Document.MediaElements].
func (d *Document) MediaIn(nodes []*Node, sameOrigin bool) []*MediaElement {
	var out []*MediaElement
	for _, n := range nodes {
		out = collectMedia(d, n, sameOrigin, out)
	}
	return out
}

func collectMedia(d *Document, n *Node, sameOrigin bool, out []*MediaElement) []*MediaElement {
	n.Walk(func(x *Node) bool {
		if x.Media != nil {
			out = append(out, x.Media)
		}
		if sameOrigin && x.Content != nil && d.SameOrigin(x.Content) {
			out = collectMedia(x.Content, x.Content.root, sameOrigin, out)
		}
		return true
	})
	return out
}

func (d *Document) notifyAdded(nodes []*Node) {
	for _, o := range append([]*observer(nil), d.observers...) {
		o.added(nodes)
	}
}

func without(list []*observer, o *observer) []*observer {
	for i, x := range list {
		if x == o {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
