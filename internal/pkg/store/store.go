// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package store defines the document store the token service persists into.
//
// The store is the security index of the search cluster, presented as a
// key-value document store with optimistic concurrency: every document carries
// a (seq_no, primary_term) pair observed at read time and checked on update.
// Replication and sharding belong to the cluster; this package only names the
// operations and error kinds the token service depends on.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// RefreshPolicy controls when a write becomes visible to search.
type RefreshPolicy string

const (
	// RefreshNone leaves visibility to the index refresh cycle.
	RefreshNone RefreshPolicy = "false"
	// RefreshImmediate forces a refresh as part of the request.
	RefreshImmediate RefreshPolicy = "true"
	// RefreshWaitUntil blocks the request until a refresh makes it visible.
	RefreshWaitUntil RefreshPolicy = "wait_for"
)

// IndexState describes the availability of the security index.
type IndexState int

const (
	// IndexMissing means the index has never been created.
	IndexMissing IndexState = iota
	// IndexUnavailable means the index exists but its shards are not ready.
	IndexUnavailable
	// IndexReady means the index is available for reads and writes.
	IndexReady
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrUnavailable is returned when a shard backing the request is not
	// available; the condition is transient and retriable.
	ErrUnavailable = errors.New("shard not available")
	// ErrConflict is returned by Update when the expected seq_no and
	// primary_term no longer match the document.
	ErrConflict = errors.New("document version conflict")
	// ErrIndexMissing is returned by reads against a missing index.
	ErrIndexMissing = errors.New("index does not exist")
)

// Document is a stored document together with its concurrency coordinates.
type Document struct {
	ID          string
	Source      json.RawMessage
	SeqNo       int64
	PrimaryTerm int64
}

// UpdateResult tells whether an update changed the document.
type UpdateResult string

const (
	// ResultUpdated means the update modified the document.
	ResultUpdated UpdateResult = "updated"
	// ResultNoop means the document already had the requested values.
	ResultNoop UpdateResult = "noop"
)

// BulkItem is the per-document outcome of a bulk update.
type BulkItem struct {
	Err    error
	ID     string
	Result UpdateResult
}

// Patch is a partial document merged into the stored source. Nested maps merge
// recursively; any other value replaces the stored one.
type Patch map[string]any

// Query selects documents whose source matches every term. Term keys are
// dotted paths into the source.
type Query struct {
	Terms map[string]any
	Size  int
}

// Store is the document store interface of the security index.
type Store interface {
	// State reports the availability of the index.
	State(ctx context.Context) (IndexState, error)

	// EnsureIndex creates the index with the current mappings if it does not
	// exist yet, and verifies its version otherwise.
	EnsureIndex(ctx context.Context) error

	// Create stores a new document, failing with ErrAlreadyExists when the id
	// is taken.
	Create(ctx context.Context, id string, source json.RawMessage, policy RefreshPolicy) error

	// Get fetches a document by id.
	Get(ctx context.Context, id string) (Document, error)

	// Update merges the patch into the document iff its current seq_no and
	// primary_term match the expected values, failing with ErrConflict
	// otherwise.
	Update(ctx context.Context, id string, patch Patch, seqNo, primaryTerm int64, policy RefreshPolicy) (UpdateResult, error)

	// BulkUpdate merges the patch into every listed document unconditionally,
	// returning the per-document outcomes in order.
	BulkUpdate(ctx context.Context, ids []string, patch Patch, policy RefreshPolicy) ([]BulkItem, error)

	// Search returns the documents matching the query.
	Search(ctx context.Context, query Query) ([]Document, error)
}
