// Package store abstracts the signaling rendezvous: a document store
// organized as collections of documents addressed by slash-separated
// paths ("rooms/R1", "rooms/R1/viewers/V1"). Media never transits the
// store; it carries only session descriptions, presence records and
// candidate logs.
//
// Watch delivery is ordered per path and at-least-once: an entry may be
// redelivered across a re-attach, so consumers must apply offers,
// answers and candidates idempotently. A read issued after a write by
// the same client observes that write.
package store

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Get when no document exists at the path.
	ErrNotFound = errors.New("store: document not found")
	// ErrExists is returned by Create when a document already exists.
	ErrExists = errors.New("store: document already exists")
	// ErrClosed is returned once the store has been shut down.
	ErrClosed = errors.New("store: closed")
)

// Fields holds the named values of a single document. Nested values are
// plain JSON-compatible types (string, float64, bool, map, slice).
type Fields map[string]any

// Entry is one member of a collection, in commit order.
type Entry struct {
	ID     string
	Fields Fields
}

// StopFunc releases a watch. Safe to call more than once.
type StopFunc func()

// Store is the signaling rendezvous contract. Implementations must not
// invoke watch callbacks concurrently for the same path.
type Store interface {
	// Create writes a new document, failing with ErrExists when one is
	// already present at the path.
	Create(ctx context.Context, path string, fields Fields) error

	// Set writes a document wholesale, replacing any previous content.
	Set(ctx context.Context, path string, fields Fields) error

	// Merge updates only the given fields, never dropping fields it does
	// not mention. Creates the document when absent.
	Merge(ctx context.Context, path string, fields Fields) error

	// Get reads a document once.
	Get(ctx context.Context, path string) (Fields, error)

	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, path string) error

	// Add appends a new document to a collection under a generated,
	// commit-ordered id, and returns that id.
	Add(ctx context.Context, path string, fields Fields) (string, error)

	// List reads every member of a collection in commit order.
	List(ctx context.Context, path string) ([]Entry, error)

	// WatchDoc observes a single document. onChange fires once with the
	// current content (when the document exists), then on every write;
	// it fires with nil fields when the document is deleted.
	WatchDoc(path string, onChange func(Fields)) (StopFunc, error)

	// WatchCollection observes a collection. Existing members are
	// replayed to onAdd in commit order before live changes stream, so
	// entries appended before the watcher attached are never missed.
	// onRemove may be nil for append-only logs.
	WatchCollection(path string, onAdd func(id string, fields Fields), onRemove func(id string)) (StopFunc, error)
}

// parentOf splits a document path into its collection path and id.
func parentOf(path string) (collection, id string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
