// Package batch groups parsed documents into bounded batches for bulk writes.
package batch

import (
	"encoding/json"
	"fmt"

	"github.com/otb-data/gkg-ingest/internal/gkg"
)

// Item is one pre-serialized document inside a batch.
type Item struct {
	ID   string
	Body []byte
}

// Batch is an immutable, ordered group of items destined for one bulk call.
// Batches are never merged or split once returned by the assembler.
type Batch struct {
	Items []Item
	Bytes int
}

// Len returns the number of documents in the batch.
func (b *Batch) Len() int { return len(b.Items) }

// Assembler accumulates documents and closes a batch when either the
// document count or the serialized byte size reaches its bound.
type Assembler struct {
	maxDocs  int
	maxBytes int
	cur      *Batch
}

// NewAssembler creates an assembler. Non-positive bounds fall back to
// defaults (500 docs, 5 MiB).
func NewAssembler(maxDocs, maxBytes int) *Assembler {
	if maxDocs <= 0 {
		maxDocs = 500
	}
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Assembler{maxDocs: maxDocs, maxBytes: maxBytes, cur: &Batch{}}
}

// Add appends a document to the current batch and returns the batch when it
// closed, or nil while it is still filling.
func (a *Assembler) Add(doc *gkg.Document) (*Batch, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}

	// A single oversized document still goes out alone rather than being
	// dropped; the byte bound applies between documents.
	if a.cur.Len() > 0 && a.cur.Bytes+len(body) > a.maxBytes {
		closed := a.cur
		a.cur = &Batch{Items: []Item{{ID: doc.ID, Body: body}}, Bytes: len(body)}
		return closed, nil
	}

	a.cur.Items = append(a.cur.Items, Item{ID: doc.ID, Body: body})
	a.cur.Bytes += len(body)

	if a.cur.Len() >= a.maxDocs || a.cur.Bytes >= a.maxBytes {
		closed := a.cur
		a.cur = &Batch{}
		return closed, nil
	}
	return nil, nil
}

// Flush closes and returns the current partial batch, or nil when empty.
// The caller must invoke Flush once the input is exhausted; skipping it
// loses the trailing documents.
func (a *Assembler) Flush() *Batch {
	if a.cur.Len() == 0 {
		return nil
	}
	closed := a.cur
	a.cur = &Batch{}
	return closed
}
