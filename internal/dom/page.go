package dom

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// TopFrameID identifies the top-level frame of a tab.
const TopFrameID = "0"

// Page is one browser tab: its top-level document and every nested frame.
type Page struct {
	tabID string
	top   *Document
	docs  map[string]*Document
	order []string
	loops map[string]*Loop
}

// NewPage returns a page for tabID whose top document is served from origin.
func NewPage(tabID, origin string) *Page {
	p := &Page{
		tabID: tabID,
		docs:  make(map[string]*Document),
		loops: make(map[string]*Loop),
	}
	p.top = p.NewFrame(TopFrameID, origin)
	return p
}

// TabID returns the tab identifier.
func (p *Page) TabID() string { return p.tabID }

// Top returns the top-level document.
func (p *Page) Top() *Document { return p.top }

// NewFrame creates the document of a new frame. Documents from the top
// frame's origin share its loop; every other frame gets its own loop.
// Attach the returned document to an iframe node with [Node.Content].
func (p *Page) NewFrame(frameID, origin string) *Document {
	var loop *Loop
	if p.top != nil && origin == p.top.origin {
		loop = p.top.loop
	} else {
		loop = NewLoop()
		p.loops[frameID] = loop
	}
	d := NewDocument(frameID, origin, loop)
	p.docs[frameID] = d
	p.order = append(p.order, frameID)
	return d
}

// Document returns the document of frameID, or nil.
func (p *Page) Document(frameID string) *Document { return p.docs[frameID] }

// Documents returns every frame's document, top first.
func (p *Page) Documents() []*Document {
	out := make([]*Document, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.docs[id])
	}
	return out
}

// Element finds a media element by id in any frame.
func (p *Page) Element(id string) (*MediaElement, *Document) {
	for _, d := range p.Documents() {
		var found *MediaElement
		d.loop.Do(func() {
			d.root.Walk(func(n *Node) bool {
				if n.Media != nil && n.Media.id == id {
					found = n.Media
					return false
				}
				return true
			})
		})
		if found != nil {
			return found, d
		}
	}
	return nil, nil
}

// ElementState is a snapshot of one media element.
type ElementState struct {
	Frame  string  `json:"frame"`
	ID     string  `json:"id"`
	Muted  bool    `json:"muted"`
	Volume float64 `json:"volume"`
	Paused bool    `json:"paused"`
}

// Snapshot returns the state of every media element in the page, ordered by
// frame then id.
func (p *Page) Snapshot() []ElementState {
	var out []ElementState
	for _, d := range p.Documents() {
		d.loop.Do(func() {
			d.root.Walk(func(n *Node) bool {
				if m := n.Media; m != nil {
					out = append(out, ElementState{
						Frame:  d.frameID,
						ID:     m.id,
						Muted:  m.muted,
						Volume: m.volume,
						Paused: m.paused,
					})
				}
				return true
			})
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Frame != out[j].Frame {
			return out[i].Frame < out[j].Frame
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Sync waits until every loop of the page has run all tasks queued before
// the call.
func (p *Page) Sync() {
	p.top.loop.Do(func() {})
	for _, l := range p.loops {
		l.Do(func() {})
	}
}

// Close stops every loop of the page.
func (p *Page) Close() {
	for _, l := range p.loops {
		l.Close()
	}
}

// ── YAML fixtures ─────────────────────────────────────────────────────────────

// pageSpec is the on-disk form of a page fixture.
type pageSpec struct {
	Tab    string     `yaml:"tab"`
	Origin string     `yaml:"origin"`
	Nodes  []nodeSpec `yaml:"nodes"`
}

type nodeSpec struct {
	Tag    string     `yaml:"tag"`
	ID     string     `yaml:"id"`
	Media  *mediaSpec `yaml:"media"`
	Shadow []nodeSpec `yaml:"shadow"`
	Frame  *frameSpec `yaml:"frame"`
	Nodes  []nodeSpec `yaml:"nodes"`
}

type mediaSpec struct {
	Muted   bool     `yaml:"muted"`
	Volume  *float64 `yaml:"volume"`
	Playing bool     `yaml:"playing"`
}

type frameSpec struct {
	ID     string     `yaml:"id"`
	Origin string     `yaml:"origin"`
	Nodes  []nodeSpec `yaml:"nodes"`
}

// LoadPage builds a page from a YAML fixture such as:
//
//	tab: "42"
//	origin: https://news.example
//	nodes:
//	  - tag: video
//	    id: hero
//	    media: {volume: 0.8, playing: true}
//	  - tag: iframe
//	    frame:
//	      id: "1"
//	      origin: https://news.example
//	      nodes:
//	        - {tag: audio, id: podcast, media: {volume: 0.5}}
func LoadPage(r io.Reader) (*Page, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var spec pageSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("dom: decode page: %w", err)
	}
	if spec.Tab == "" {
		return nil, errors.New("dom: page fixture needs a tab id")
	}

	p := NewPage(spec.Tab, spec.Origin)
	b := &builder{page: p, nextFrame: 1, seen: make(map[string]bool)}
	children, err := b.nodes(spec.Nodes)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.top.root.Children = children
	return p, nil
}

// LoadPageFile reads a page fixture from path.
func LoadPageFile(path string) (*Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dom: open page: %w", err)
	}
	defer f.Close()
	return LoadPage(f)
}

type builder struct {
	page      *Page
	nextFrame int
	seen      map[string]bool
}

func (b *builder) nodes(specs []nodeSpec) ([]*Node, error) {
	var out []*Node
	for _, s := range specs {
		n, err := b.node(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (b *builder) node(s nodeSpec) (*Node, error) {
	n := &Node{Tag: s.Tag, ID: s.ID}
	if s.Media != nil {
		if s.ID == "" {
			return nil, fmt.Errorf("dom: %s media element needs an id", s.Tag)
		}
		if b.seen[s.ID] {
			return nil, fmt.Errorf("dom: duplicate media element id %q", s.ID)
		}
		b.seen[s.ID] = true
		vol := 1.0
		if s.Media.Volume != nil {
			vol = *s.Media.Volume
		}
		n.Media = NewMediaElement(s.ID, s.Media.Muted, vol, s.Media.Playing)
	}

	var err error
	if n.Children, err = b.nodes(s.Nodes); err != nil {
		return nil, err
	}
	if len(s.Shadow) > 0 {
		shadow, err := b.nodes(s.Shadow)
		if err != nil {
			return nil, err
		}
		n.Shadow = &Node{Tag: "#shadow-root", Children: shadow}
	}
	if s.Frame != nil {
		id := s.Frame.ID
		if id == "" {
			id = strconv.Itoa(b.nextFrame)
		}
		b.nextFrame++
		if b.page.docs[id] != nil {
			return nil, fmt.Errorf("dom: duplicate frame id %q", id)
		}
		doc := b.page.NewFrame(id, s.Frame.Origin)
		children, err := b.nodes(s.Frame.Nodes)
		if err != nil {
			return nil, err
		}
		doc.root.Children = children
		n.Content = doc
	}
	return n, nil
}
