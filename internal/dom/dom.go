// Package dom describes the small slice of a browser DOM that chat monitoring
// needs: selector queries, attribute and text reads, and child-list mutation
// observation. HTMLDocument is an in-memory implementation.
package dom

// Node is anything that can appear in a mutation record.
type Node interface {
	IsElement() bool
}

// Element is a queryable element node.
type Element interface {
	Node
	// QuerySelector returns the first matching descendant, or nil.
	QuerySelector(selector string) Element
	QuerySelectorAll(selector string) []Element
	Matches(selector string) bool
	GetAttribute(name string) (string, bool)
	TextContent() string
}

// MutationRecord describes one child-list change of Target.
type MutationRecord struct {
	Target       Element
	AddedNodes   []Node
	RemovedNodes []Node
}

type ObserveOptions struct {
	ChildList bool
	Subtree   bool
}

type MutationCallback func(records []MutationRecord)

// Observer is returned by Observe; Disconnect stops delivery.
type Observer interface {
	Disconnect()
}

// Document is the page-level capability consumed by the monitor.
type Document interface {
	URL() string
	// Root is the fallback observation target (the body element).
	Root() Element
	QuerySelector(selector string) Element
	Observe(target Element, opts ObserveOptions, fn MutationCallback) (Observer, error)
}
