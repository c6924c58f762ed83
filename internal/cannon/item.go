// Package cannon implements the transaction cannon pipeline (C5):
// three bounded-queue stages — authorize, execute, broadcast — each with
// its own worker pool, feeding one or more sinks (spec.md §4.5).
package cannon

import "time"

// Item is one transaction moving through the pipeline. Only the fields
// relevant to its current stage are populated; a zero KeyRef with
// non-empty AuthBytes means the item entered the pipeline already
// authorized (e.g. from a listen(endpoint) source).
type Item struct {
	Seq uint64

	// Authorize stage inputs.
	Program string
	Fn      string
	Inputs  []string
	KeyRef  string
	Seed    []byte

	// Execute stage inputs/outputs.
	AuthBytes     []byte
	QueryEndpoint string

	// Broadcast stage input.
	TxBytes []byte

	EnqueuedAt time.Time
}
