// Copyright (c) 2025 Strand Labs, Inc.
//
// Use of this software is governed by the Business Source License
// included in the LICENSE file.

// Package inmem implements the document store in process memory.
//
// It backs tests and single-node development. The optimistic concurrency
// semantics match the real index: writes bump a global sequence number, and
// conditional updates check the (seq_no, primary_term) observed at read time.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/strandlabs/strand/internal/pkg/store"
)

// Op names a store operation for the failure hook.
type Op string

// Operations observable through the failure hook.
const (
	OpState  Op = "state"
	OpCreate Op = "create"
	OpGet    Op = "get"
	OpUpdate Op = "update"
	OpBulk   Op = "bulk"
	OpSearch Op = "search"
)

// Hook is invoked before an operation touches a document; a non-nil result is
// returned to the caller instead. Used by tests to inject transient failures.
type Hook func(op Op, id string) error

type entry struct {
	source      map[string]any
	seqNo       int64
	primaryTerm int64
}

// Store is the in-memory document store.
type Store struct {
	mu     sync.Mutex
	docs   map[string]*entry
	hook   Hook
	seqNo  int64
	exists bool
}

// New creates an empty Store. The index does not exist until EnsureIndex.
func New() *Store {
	return &Store{
		docs: map[string]*entry{},
	}
}

// SetHook installs the failure hook.
func (s *Store) SetHook(hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hook = hook
}

func (s *Store) runHook(op Op, id string) error {
	if s.hook == nil {
		return nil
	}

	return s.hook(op, id)
}

// State implements store.Store.
func (s *Store) State(context.Context) (store.IndexState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runHook(OpState, ""); err != nil {
		return store.IndexUnavailable, err
	}

	if !s.exists {
		return store.IndexMissing, nil
	}

	return store.IndexReady, nil
}

// EnsureIndex implements store.Store.
func (s *Store) EnsureIndex(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.exists = true

	return nil
}

// Create implements store.Store.
func (s *Store) Create(_ context.Context, id string, source json.RawMessage, _ store.RefreshPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runHook(OpCreate, id); err != nil {
		return err
	}

	if !s.exists {
		return store.ErrIndexMissing
	}

	if _, taken := s.docs[id]; taken {
		return fmt.Errorf("%q: %w", id, store.ErrAlreadyExists)
	}

	var decoded map[string]any

	if err := json.Unmarshal(source, &decoded); err != nil {
		return fmt.Errorf("invalid document source: %w", err)
	}

	s.seqNo++

	s.docs[id] = &entry{
		source:      decoded,
		seqNo:       s.seqNo,
		primaryTerm: 1,
	}

	return nil
}

// Get implements store.Store.
func (s *Store) Get(_ context.Context, id string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runHook(OpGet, id); err != nil {
		return store.Document{}, err
	}

	if !s.exists {
		return store.Document{}, store.ErrIndexMissing
	}

	doc, ok := s.docs[id]
	if !ok {
		return store.Document{}, fmt.Errorf("%q: %w", id, store.ErrNotFound)
	}

	return s.documentLocked(id, doc)
}

// Update implements store.Store.
func (s *Store) Update(_ context.Context, id string, patch store.Patch, seqNo, primaryTerm int64, _ store.RefreshPolicy) (store.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runHook(OpUpdate, id); err != nil {
		return "", err
	}

	doc, ok := s.docs[id]
	if !ok {
		return "", fmt.Errorf("%q: %w", id, store.ErrNotFound)
	}

	if doc.seqNo != seqNo || doc.primaryTerm != primaryTerm {
		return "", fmt.Errorf("%q: expected seq_no %d, term %d: %w", id, seqNo, primaryTerm, store.ErrConflict)
	}

	return s.applyPatchLocked(doc, patch)
}

// BulkUpdate implements store.Store.
func (s *Store) BulkUpdate(_ context.Context, ids []string, patch store.Patch, _ store.RefreshPolicy) ([]store.BulkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]store.BulkItem, 0, len(ids))

	for _, id := range ids {
		item := store.BulkItem{ID: id}

		doc, ok := s.docs[id]

		switch hookErr := s.runHook(OpBulk, id); {
		case hookErr != nil:
			item.Err = hookErr
		case !ok:
			item.Err = fmt.Errorf("%q: %w", id, store.ErrNotFound)
		default:
			item.Result, item.Err = s.applyPatchLocked(doc, patch)
		}

		items = append(items, item)
	}

	return items, nil
}

// Search implements store.Store.
func (s *Store) Search(_ context.Context, query store.Query) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.runHook(OpSearch, ""); err != nil {
		return nil, err
	}

	if !s.exists {
		return nil, store.ErrIndexMissing
	}

	terms, err := normalize(query.Terms)
	if err != nil {
		return nil, err
	}

	var hits []store.Document

	for id, doc := range s.docs {
		if !matches(doc.source, terms) {
			continue
		}

		hit, docErr := s.documentLocked(id, doc)
		if docErr != nil {
			return nil, docErr
		}

		hits = append(hits, hit)

		if query.Size > 0 && len(hits) >= query.Size {
			break
		}
	}

	return hits, nil
}

func (s *Store) documentLocked(id string, doc *entry) (store.Document, error) {
	source, err := json.Marshal(doc.source)
	if err != nil {
		return store.Document{}, err
	}

	return store.Document{
		ID:          id,
		Source:      source,
		SeqNo:       doc.seqNo,
		PrimaryTerm: doc.primaryTerm,
	}, nil
}

func (s *Store) applyPatchLocked(doc *entry, patch store.Patch) (store.UpdateResult, error) {
	normalized, err := normalize(map[string]any(patch))
	if err != nil {
		return "", err
	}

	merged := merge(deepCopy(doc.source), normalized)

	if reflect.DeepEqual(merged, doc.source) {
		return store.ResultNoop, nil
	}

	s.seqNo++
	doc.source = merged
	doc.seqNo = s.seqNo

	return store.ResultUpdated, nil
}

// normalize round-trips a map through JSON so that values take their
// canonical decoded types and compare cleanly against stored sources.
func normalize(m map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var normalized map[string]any

	if err = json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}

	return normalized, nil
}

func merge(dst, patch map[string]any) map[string]any {
	for key, value := range patch {
		if patchMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				dst[key] = merge(dstMap, patchMap)

				continue
			}
		}

		dst[key] = value
	}

	return dst
}

func deepCopy(m map[string]any) map[string]any {
	copied := make(map[string]any, len(m))

	for key, value := range m {
		if nested, ok := value.(map[string]any); ok {
			copied[key] = deepCopy(nested)

			continue
		}

		copied[key] = value
	}

	return copied
}

func matches(source, terms map[string]any) bool {
	for path, want := range terms {
		got, ok := lookup(source, path)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}

	return true
}

func lookup(source map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")

	current := any(source)

	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		if current, ok = m[segment]; !ok {
			return nil, false
		}
	}

	return current, true
}
