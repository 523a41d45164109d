package dom

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

var (
	ErrForeignElement = errors.New("element does not belong to this document")
	ErrUnsupported    = errors.New("only childList observation is supported")
)

// HTMLDocument is a mutable in-memory document backed by x/net/html nodes.
// Queries take a read lock; mutations commit under the write lock and are
// queued to observers in commit order.
type HTMLDocument struct {
	mu        sync.RWMutex
	url       string
	root      *html.Node
	body      *html.Node
	observers map[*observer]struct{}

	selMu     sync.Mutex
	selectors map[string]cascadia.Selector
}

// ParseHTML parses markup into a document located at url.
func ParseHTML(url string, r io.Reader) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	body := findBody(root)
	if body == nil {
		return nil, errors.New("parse html: document has no body")
	}
	return &HTMLDocument{
		url:       url,
		root:      root,
		body:      body,
		observers: make(map[*observer]struct{}),
		selectors: make(map[string]cascadia.Selector),
	}, nil
}

// NewHTMLDocument is ParseHTML over a string.
func NewHTMLDocument(url, markup string) (*HTMLDocument, error) {
	return ParseHTML(url, strings.NewReader(markup))
}

func (d *HTMLDocument) URL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.url
}

// SetURL simulates history navigation: the URL changes, the tree does not.
func (d *HTMLDocument) SetURL(url string) {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
}

func (d *HTMLDocument) Root() Element {
	return element{doc: d, node: d.body}
}

func (d *HTMLDocument) QuerySelector(selector string) Element {
	return element{doc: d, node: d.root}.QuerySelector(selector)
}

func (d *HTMLDocument) QuerySelectorAll(selector string) []Element {
	return element{doc: d, node: d.root}.QuerySelectorAll(selector)
}

// AppendHTML parses markup in the context of parent and appends the resulting
// nodes as one mutation record. It returns the appended element nodes.
func (d *HTMLDocument) AppendHTML(parent Element, markup string) ([]Element, error) {
	p, err := d.own(parent)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	nodes, err := html.ParseFragment(strings.NewReader(markup), p)
	d.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("parse fragment: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	added := make([]Node, 0, len(nodes))
	var elements []Element
	for _, n := range nodes {
		p.AppendChild(n)
		wrapped := d.wrap(n)
		added = append(added, wrapped)
		if el, ok := wrapped.(Element); ok {
			elements = append(elements, el)
		}
	}
	d.notify(p, MutationRecord{Target: element{doc: d, node: p}, AddedNodes: added})
	return elements, nil
}

// Remove detaches el from its parent. Removing a detached element is a no-op.
func (d *HTMLDocument) Remove(el Element) error {
	n, err := d.own(el)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	parent := n.Parent
	if parent == nil {
		return nil
	}
	parent.RemoveChild(n)
	d.notify(parent, MutationRecord{Target: element{doc: d, node: parent}, RemovedNodes: []Node{d.wrap(n)}})
	return nil
}

func (d *HTMLDocument) Observe(target Element, opts ObserveOptions, fn MutationCallback) (Observer, error) {
	if !opts.ChildList {
		return nil, ErrUnsupported
	}
	n, err := d.own(target)
	if err != nil {
		return nil, err
	}
	o := &observer{
		doc:     d,
		target:  n,
		subtree: opts.Subtree,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	d.mu.Lock()
	d.observers[o] = struct{}{}
	d.mu.Unlock()
	go o.run()
	return o, nil
}

// notify must be called with d.mu held for writing.
func (d *HTMLDocument) notify(parent *html.Node, rec MutationRecord) {
	for o := range d.observers {
		if o.target == parent || (o.subtree && isAncestor(o.target, parent)) {
			o.push(rec)
		}
	}
}

func (d *HTMLDocument) own(el Element) (*html.Node, error) {
	e, ok := el.(element)
	if !ok || e.doc != d {
		return nil, ErrForeignElement
	}
	return e.node, nil
}

func (d *HTMLDocument) wrap(n *html.Node) Node {
	if n.Type == html.ElementNode {
		return element{doc: d, node: n}
	}
	return otherNode{node: n}
}

// matcher compiles and caches selectors. Invalid selectors are cached as nil
// and match nothing.
func (d *HTMLDocument) matcher(selector string) cascadia.Selector {
	d.selMu.Lock()
	defer d.selMu.Unlock()
	if m, ok := d.selectors[selector]; ok {
		return m
	}
	m, err := cascadia.Compile(selector)
	if err != nil {
		m = nil
	}
	d.selectors[selector] = m
	return m
}

type element struct {
	doc  *HTMLDocument
	node *html.Node
}

func (e element) IsElement() bool { return true }

func (e element) QuerySelector(selector string) Element {
	m := e.doc.matcher(selector)
	if m == nil {
		return nil
	}
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	found := selection(e.node).FindMatcher(m).First()
	if found.Length() == 0 {
		return nil
	}
	return element{doc: e.doc, node: found.Nodes[0]}
}

func (e element) QuerySelectorAll(selector string) []Element {
	m := e.doc.matcher(selector)
	if m == nil {
		return nil
	}
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	found := selection(e.node).FindMatcher(m)
	out := make([]Element, 0, found.Length())
	for _, n := range found.Nodes {
		out = append(out, element{doc: e.doc, node: n})
	}
	return out
}

func (e element) Matches(selector string) bool {
	m := e.doc.matcher(selector)
	if m == nil {
		return false
	}
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return selection(e.node).IsMatcher(m)
}

func (e element) GetAttribute(name string) (string, bool) {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return selection(e.node).Attr(name)
}

func (e element) TextContent() string {
	e.doc.mu.RLock()
	defer e.doc.mu.RUnlock()
	return selection(e.node).Text()
}

type otherNode struct {
	node *html.Node
}

func (otherNode) IsElement() bool { return false }

type observer struct {
	doc     *HTMLDocument
	target  *html.Node
	subtree bool
	fn      MutationCallback

	mu      sync.Mutex
	pending []MutationRecord
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (o *observer) push(rec MutationRecord) {
	o.mu.Lock()
	o.pending = append(o.pending, rec)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) run() {
	for {
		select {
		case <-o.stop:
			return
		case <-o.wake:
		}
		o.mu.Lock()
		batch := o.pending
		o.pending = nil
		o.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		select {
		case <-o.stop:
			return
		default:
		}
		o.fn(batch)
	}
}

func (o *observer) Disconnect() {
	o.once.Do(func() {
		o.doc.mu.Lock()
		delete(o.doc.observers, o)
		o.doc.mu.Unlock()
		close(o.stop)
	})
}

func selection(n *html.Node) *goquery.Selection {
	return goquery.NewDocumentFromNode(n).Selection
}

func isAncestor(ancestor, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
