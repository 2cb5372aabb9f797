// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package connection

import (
	"errors"
	"sync"

	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned for unknown connection IDs.
	ErrNotFound = errors.New("connection not found")

	// ErrDuplicateURL is returned when adding a connection whose base
	// URL is already registered.
	ErrDuplicateURL = errors.New("a connection with this base URL already exists")
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the durable record of known remote endpoints. Pure data:
// live status belongs to the Manager, which is the only mutator of
// connection records.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*model.Connection
	db    *store.Store
}

// NewRegistry loads persisted connections. db may be nil for tests.
func NewRegistry(db *store.Store) (*Registry, error) {
	r := &Registry{
		byID: make(map[string]*model.Connection),
		db:   db,
	}
	if db != nil {
		conns, err := db.ListConnections()
		if err != nil {
			return nil, err
		}
		for _, conn := range conns {
			// Status is transient; everything starts disconnected.
			conn.Status = model.StatusDisconnected
			r.byID[conn.ID] = conn
		}
	}
	return r, nil
}

// Add registers a new endpoint and persists it.
func (r *Registry) Add(displayName, baseURL, credentialRef string) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byID {
		if existing.BaseURL == baseURL {
			return nil, ErrDuplicateURL
		}
	}

	conn := model.NewConnection(displayName, baseURL, credentialRef)
	if r.db != nil {
		if err := r.db.SaveConnection(conn); err != nil {
			return nil, err
		}
	}
	r.byID[conn.ID] = conn
	return conn.Clone(), nil
}

// Get returns a snapshot of one connection.
func (r *Registry) Get(id string) (*model.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conn.Clone(), nil
}

// List returns snapshots of every known connection.
func (r *Registry) List() []*model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		out = append(out, conn.Clone())
	}
	return out
}

// HasConnection reports whether id is registered. Satisfies the session
// manager's resolver interface.
func (r *Registry) HasConnection(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// Remove deletes a connection record. Sessions referencing it are
// orphaned by the store; the caller must force-disconnect first if the
// connection is active (the Manager's RemoveConnection does both).
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return ErrNotFound
	}
	if r.db != nil {
		if err := r.db.DeleteConnection(id); err != nil && !errors.Is(err, store.ErrConnectionNotFound) {
			return err
		}
	}
	delete(r.byID, id)
	return nil
}

// update applies a mutation to the stored record and persists it.
// Manager-only; callers outside this package go through the Manager.
func (r *Registry) update(id string, fn func(*model.Connection)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(conn)
	if r.db != nil {
		return r.db.SaveConnection(conn)
	}
	return nil
}
