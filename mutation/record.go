// Package mutation defines the records exchanged between a live page and
// its mirrored document: what changed, located by XPath.
package mutation

import (
	"time"

	"github.com/hazyhaar/flagswap/idgen"
)

// Op is the type of DOM mutation.
type Op string

const (
	OpInsert   Op = "insert"    // element inserted, HTML carries the subtree
	OpRemove   Op = "remove"    // element removed
	OpAttr     Op = "attr"      // attribute set
	OpAttrDel  Op = "attr_del"  // attribute removed
	OpDocReset Op = "doc_reset" // whole document replaced, HTML carries it
)

// Record is a single DOM mutation.
type Record struct {
	Op    Op     `json:"op"`
	XPath string `json:"xpath"`
	// Index is the position of an inserted element among its parent's
	// element children after the insert.
	Index    int    `json:"index,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Name     string `json:"name,omitempty"` // attribute name for attr/attr_del
	Value    string `json:"value,omitempty"`
	OldValue string `json:"old_value,omitempty"`
	HTML     string `json:"html,omitempty"` // subtree for insert, document for doc_reset
}

// Batch is the records of one debounce window for one page.
type Batch struct {
	ID        string   `json:"id"` // UUIDv7
	PageURL   string   `json:"page_url"`
	PageID    string   `json:"page_id"`
	Seq       uint64   `json:"seq"` // per page, for gap detection
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
}

// NewBatch stamps records with a fresh id and the current time.
func NewBatch(pageURL, pageID string, seq uint64, records []Record) *Batch {
	return &Batch{
		ID:        idgen.New(),
		PageURL:   pageURL,
		PageID:    pageID,
		Seq:       seq,
		Records:   records,
		Timestamp: time.Now().UnixMilli(),
	}
}
