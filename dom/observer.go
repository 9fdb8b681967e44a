package dom

import (
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// RecordType is the kind of a MutationRecord.
type RecordType string

const (
	ChildList  RecordType = "childList"
	Attributes RecordType = "attributes"
)

// maxDeliveryRounds bounds how many times DeliverMutations re-delivers
// records produced by the callbacks themselves.
const maxDeliveryRounds = 16

// MutationRecord describes one change to the tree.
type MutationRecord struct {
	Type          RecordType
	Target        *html.Node
	AttributeName string
	OldValue      string
	AddedNodes    []*html.Node
	RemovedNodes  []*html.Node
	NextSibling   *html.Node
	// Origin is the label set by Document.WithOrigin while the change was
	// made, "" for engine writes.
	Origin string
}

// ObserveOptions selects which records an observer receives.
type ObserveOptions struct {
	ChildList  bool
	Subtree    bool
	Attributes bool
	// AttributeFilter restricts attribute records to these names. Empty
	// means all attributes.
	AttributeFilter []string
}

// Observer receives batches of records for a target subtree.
type Observer struct {
	doc     *Document
	target  *html.Node
	opts    ObserveOptions
	cb      func([]MutationRecord)
	pending []MutationRecord
	closed  bool
}

// Observe registers cb for changes under target. Records are queued and
// handed over in one batch per DeliverMutations call.
func (d *Document) Observe(target *html.Node, opts ObserveOptions, cb func([]MutationRecord)) *Observer {
	filter := make([]string, len(opts.AttributeFilter))
	for i, a := range opts.AttributeFilter {
		filter[i] = strings.ToLower(a)
	}
	opts.AttributeFilter = filter
	o := &Observer{doc: d, target: target, opts: opts, cb: cb}
	d.observers = append(d.observers, o)
	return o
}

// Disconnect stops delivery and drops queued records.
func (o *Observer) Disconnect() {
	o.closed = true
	o.pending = nil
	o.doc.observers = slices.DeleteFunc(o.doc.observers, func(x *Observer) bool { return x == o })
}

// TakeRecords empties and returns the queue without invoking the callback.
func (o *Observer) TakeRecords() []MutationRecord {
	recs := o.pending
	o.pending = nil
	return recs
}

func (o *Observer) wants(r MutationRecord) bool {
	if o.closed {
		return false
	}
	if r.Target != o.target && !(o.opts.Subtree && Contains(o.target, r.Target)) {
		return false
	}
	switch r.Type {
	case ChildList:
		return o.opts.ChildList
	case Attributes:
		if !o.opts.Attributes {
			return false
		}
		return len(o.opts.AttributeFilter) == 0 || slices.Contains(o.opts.AttributeFilter, r.AttributeName)
	}
	return false
}

func (d *Document) enqueue(r MutationRecord) {
	r.Origin = d.origin
	for _, o := range d.observers {
		if o.wants(r) {
			o.pending = append(o.pending, r)
		}
	}
}

// HasPendingMutations reports whether any observer has queued records.
func (d *Document) HasPendingMutations() bool {
	for _, o := range d.observers {
		if len(o.pending) > 0 {
			return true
		}
	}
	return false
}

// DeliverMutations hands queued records to their observers. Records that
// callbacks produce are delivered in a following round, up to a fixed
// number of rounds; anything left stays queued for the next call.
// Re-entrant calls from inside a callback return immediately.
func (d *Document) DeliverMutations() {
	if d.delivering {
		return
	}
	d.delivering = true
	defer func() { d.delivering = false }()

	for round := 0; round < maxDeliveryRounds && d.HasPendingMutations(); round++ {
		obs := slices.Clone(d.observers)
		for _, o := range obs {
			recs := o.TakeRecords()
			if len(recs) == 0 || o.closed {
				continue
			}
			o.cb(recs)
		}
	}
}
