// Package model defines the core types shared across the triage pipeline.
package model

import "time"

// Item is a single unit of work: an email, a free-text query, or any other
// unstructured message. Items are immutable once ingested; the pipeline only
// reads them.
type Item struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Batch is an ordered collection of items processed in one pipeline run.
type Batch struct {
	Items []Item `json:"items"`
}
