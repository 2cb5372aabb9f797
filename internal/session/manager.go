// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns chat sessions and their ordered message lists.
package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/skiff/internal/bridge"
	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/store"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConnectionNotFound is returned when creating a session against
	// an unknown connection.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrInvalidState is returned for writes against a Complete or
	// Failed message.
	ErrInvalidState = errors.New("message is immutable in its current state")

	// ErrSessionOrphaned is returned for writes to a session whose
	// connection was deleted. Orphaned sessions are read-only.
	ErrSessionOrphaned = errors.New("session is orphaned and read-only")

	// ErrStaleGeneration is returned when a cancelled stream's
	// late-arriving write targets a session it no longer owns.
	ErrStaleGeneration = errors.New("stale stream generation")

	// ErrMessageNotFound is returned for unknown message IDs.
	ErrMessageNotFound = errors.New("message not found")
)

// ConnectionResolver answers whether a connection ID currently exists.
// Implemented by the connection store; an interface here keeps the
// session manager free of connection internals.
type ConnectionResolver interface {
	HasConnection(id string) bool
}

// =============================================================================
// SESSION STATE
// =============================================================================

// sessionState is one session plus its messages under a private lock.
// One exclusive streaming writer at a time; readers take the read lock
// and see pre- or post-append state, never a torn message.
type sessionState struct {
	mu    sync.RWMutex
	sess  *model.ChatSession
	byID  map[string]*model.Message
	order []*model.Message

	// writerGen is the generation that owns streaming writes.
	// Zero means no active writer.
	writerGen uint64
}

// checkWriter validates generation ownership. Caller holds mu.
func (s *sessionState) checkWriter(gen uint64) error {
	if s.sess.Orphaned {
		return ErrSessionOrphaned
	}
	if gen == 0 || s.writerGen != gen {
		return ErrStaleGeneration
	}
	return nil
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager tracks every live session. The map lock and the per-session
// locks are distinct so work on one session never contends with
// another.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	resolver ConnectionResolver
	db       *store.Store
	events   *bridge.Bridge
	log      zerolog.Logger

	genCounter atomic.Uint64
}

// NewManager creates a session manager and loads persisted sessions.
// db, resolver, and events may each be nil (useful in tests and when
// running without persistence).
func NewManager(db *store.Store, resolver ConnectionResolver, events *bridge.Bridge, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		sessions: make(map[string]*sessionState),
		resolver: resolver,
		db:       db,
		events:   events,
		log:      log.With().Str("component", "session").Logger(),
	}

	if db != nil {
		metas, err := db.ListSessions()
		if err != nil {
			return nil, err
		}

		// Histories load independently; fan the reads out but cap the
		// concurrency so startup does not monopolize the pool.
		var g errgroup.Group
		g.SetLimit(4)
		var loadMu sync.Mutex
		for _, meta := range metas {
			g.Go(func() error {
				sess, msgs, err := db.LoadSession(meta.ID)
				if err != nil {
					m.log.Warn().Err(err).Str("session_id", meta.ID).Msg("skipping unloadable session")
					return nil
				}
				state := &sessionState{
					sess: sess,
					byID: make(map[string]*model.Message, len(msgs)),
				}
				for _, msg := range msgs {
					state.byID[msg.ID] = msg
					state.order = append(state.order, msg)
				}
				loadMu.Lock()
				m.sessions[sess.ID] = state
				loadMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// =============================================================================
// SESSION CRUD
// =============================================================================

// CreateSession starts a new conversation bound to a connection. The
// connection does not need to be currently connected; sessions can be
// created offline and resumed later.
func (m *Manager) CreateSession(connectionID, title string) (*model.ChatSession, error) {
	if m.resolver != nil && !m.resolver.HasConnection(connectionID) {
		return nil, ErrConnectionNotFound
	}

	sess := model.NewChatSession(connectionID, title)
	state := &sessionState{
		sess: sess,
		byID: make(map[string]*model.Message),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = state
	m.mu.Unlock()

	if err := m.persist(state); err != nil {
		m.log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to persist new session")
	}

	if m.events != nil {
		m.events.PublishSessionChange(bridge.SessionChangeEvent{
			SessionID: sess.ID,
			Change:    bridge.SessionCreated,
		})
	}

	return sess.Clone(), nil
}

// GetSession returns a snapshot of the session record.
func (m *Manager) GetSession(id string) (*model.ChatSession, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.sess.Clone(), nil
}

// ListSessions returns snapshots of every live session.
func (m *Manager) ListSessions() []*model.ChatSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.ChatSession, 0, len(m.sessions))
	for _, state := range m.sessions {
		state.mu.RLock()
		out = append(out, state.sess.Clone())
		state.mu.RUnlock()
	}
	return out
}

// History returns the ordered message sequence as snapshots, safe for
// concurrent callers.
func (m *Manager) History(sessionID string) ([]*model.Message, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()

	out := make([]*model.Message, 0, len(state.order))
	for _, msg := range state.order {
		out = append(out, msg.Clone())
	}
	return out, nil
}

// DeleteSession removes a session and all of its messages.
// Irreversible; any in-flight streaming writer is invalidated.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	state, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	state.mu.Lock()
	state.writerGen = 0
	state.mu.Unlock()

	if m.db != nil {
		// Tombstone first: a crash between the two statements hides the
		// session instead of leaving it half-deleted.
		if err := m.db.TombstoneSession(id); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			m.log.Error().Err(err).Str("session_id", id).Msg("failed to tombstone session")
		}
		if err := m.db.DeleteSession(id); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
			m.log.Error().Err(err).Str("session_id", id).Msg("failed to delete persisted session")
		}
	}

	if m.events != nil {
		m.events.PublishSessionChange(bridge.SessionChangeEvent{
			SessionID: id,
			Change:    bridge.SessionDeleted,
		})
	}
	return nil
}

// MarkOrphaned flags every session of a deleted connection read-only.
func (m *Manager) MarkOrphaned(connectionID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, state := range m.sessions {
		state.mu.Lock()
		if state.sess.ConnectionID == connectionID {
			state.sess.Orphaned = true
			state.writerGen = 0
		}
		state.mu.Unlock()
	}
}

// =============================================================================
// MESSAGE APPENDS
// =============================================================================

// AppendMessage adds a terminal message (user prompt or system note).
// Streamed assistant turns go through the writer API instead, so a
// message that claims to still be streaming is rejected.
func (m *Manager) AppendMessage(sessionID string, msg *model.Message) error {
	state, err := m.state(sessionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.sess.Orphaned {
		state.mu.Unlock()
		return ErrSessionOrphaned
	}
	if !msg.State.Terminal() {
		state.mu.Unlock()
		return ErrInvalidState
	}
	msg.SessionID = sessionID
	state.byID[msg.ID] = msg
	state.order = append(state.order, msg)
	state.sess.AppendMessageID(msg.ID)
	state.mu.Unlock()

	if err := m.persist(state); err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist append")
	}

	if m.events != nil {
		m.events.PublishSessionChange(bridge.SessionChangeEvent{
			SessionID: sessionID,
			Change:    bridge.SessionUpdated,
		})
	}
	return nil
}

// =============================================================================
// STREAMING WRITER API
// =============================================================================

// AcquireWriter grants exclusive streaming-write ownership of a session
// and returns the generation tag the owner must present on every write.
// Acquiring again invalidates the previous owner, which is exactly what
// a session switch needs: the old stream's late writes become stale.
func (m *Manager) AcquireWriter(sessionID string) (uint64, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return 0, err
	}

	gen := m.genCounter.Add(1)

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.sess.Orphaned {
		return 0, ErrSessionOrphaned
	}
	state.writerGen = gen
	return gen, nil
}

// ReleaseWriter gives up write ownership if gen still holds it.
func (m *Manager) ReleaseWriter(sessionID string, gen uint64) {
	state, err := m.state(sessionID)
	if err != nil {
		return
	}
	state.mu.Lock()
	if state.writerGen == gen {
		state.writerGen = 0
	}
	state.mu.Unlock()
}

// BeginAssistantTurn creates the pending assistant message that will
// accumulate streamed deltas. messageID is the server-assigned ID that
// keys subsequent delta events; empty means generate one locally.
func (m *Manager) BeginAssistantTurn(sessionID string, gen uint64, messageID string) (*model.Message, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	if err := state.checkWriter(gen); err != nil {
		state.mu.Unlock()
		return nil, err
	}

	msg := model.NewAssistantMessage(sessionID)
	if messageID != "" {
		msg.ID = messageID
	}
	state.byID[msg.ID] = msg
	state.order = append(state.order, msg)
	state.sess.AppendMessageID(msg.ID)
	snapshot := msg.Clone()
	state.mu.Unlock()

	if m.events != nil {
		m.events.PublishSessionChange(bridge.SessionChangeEvent{
			SessionID: sessionID,
			Change:    bridge.SessionUpdated,
		})
	}
	return snapshot, nil
}

// ApplyDelta appends one streamed fragment to a message. Duplicates
// are discarded and fragments that arrive ahead of a gap are held until
// the gap fills, so content always reconstructs in sequence order;
// both cases report applied=false with no error, because at-least-once
// delivery makes them expected, not exceptional. Writes from a stale
// generation fail.
func (m *Manager) ApplyDelta(sessionID, messageID string, gen uint64, seq uint64, text string) (bool, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return false, err
	}

	state.mu.Lock()
	if err := state.checkWriter(gen); err != nil {
		state.mu.Unlock()
		return false, err
	}
	msg, ok := state.byID[messageID]
	if !ok {
		state.mu.Unlock()
		return false, ErrMessageNotFound
	}
	if msg.State.Terminal() {
		state.mu.Unlock()
		return false, ErrInvalidState
	}
	appended, applied := msg.ApplyDelta(seq, text)
	highSeq := msg.LastSeq()
	state.mu.Unlock()

	if applied && m.events != nil {
		// appended may carry more than this fragment when the arrival
		// closed a gap; Seq is the new contiguous high-water mark.
		m.events.PublishMessageDelta(bridge.MessageDeltaEvent{
			SessionID: sessionID,
			MessageID: messageID,
			Seq:       highSeq,
			Text:      appended,
			State:     model.Streaming,
		})
	}
	return applied, nil
}

// CompleteMessage freezes a streamed message as Complete and persists
// the session.
func (m *Manager) CompleteMessage(sessionID, messageID string, gen uint64) error {
	return m.finishMessage(sessionID, messageID, gen, "", false)
}

// FailMessage freezes a streamed message as Failed with a reason and
// persists the session. Partial content is kept: a failure must never
// silently discard what already arrived.
func (m *Manager) FailMessage(sessionID, messageID string, gen uint64, reason string) error {
	return m.finishMessage(sessionID, messageID, gen, reason, true)
}

func (m *Manager) finishMessage(sessionID, messageID string, gen uint64, reason string, failed bool) error {
	state, err := m.state(sessionID)
	if err != nil {
		return err
	}

	state.mu.Lock()
	if err := state.checkWriter(gen); err != nil {
		state.mu.Unlock()
		return err
	}
	msg, ok := state.byID[messageID]
	if !ok {
		state.mu.Unlock()
		return ErrMessageNotFound
	}
	if msg.State.Terminal() {
		state.mu.Unlock()
		return ErrInvalidState
	}
	if failed {
		msg.Fail(reason)
	} else {
		msg.Complete()
	}
	finalState := msg.State
	state.mu.Unlock()

	if err := m.persist(state); err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist finished turn")
	}

	if m.events != nil {
		m.events.PublishMessageDelta(bridge.MessageDeltaEvent{
			SessionID:  sessionID,
			MessageID:  messageID,
			State:      finalState,
			FailReason: reason,
		})
	}
	return nil
}

// LastAppliedSeq returns the highest delta sequence applied to a
// message, used to resume a dropped stream without replaying content.
func (m *Manager) LastAppliedSeq(sessionID, messageID string) (uint64, error) {
	state, err := m.state(sessionID)
	if err != nil {
		return 0, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	msg, ok := state.byID[messageID]
	if !ok {
		return 0, ErrMessageNotFound
	}
	return msg.LastSeq(), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Manager) state(id string) (*sessionState, error) {
	m.mu.RLock()
	state, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return state, nil
}

// persist writes the session snapshot through to the store.
func (m *Manager) persist(state *sessionState) error {
	if m.db == nil {
		return nil
	}

	state.mu.RLock()
	sess := state.sess.Clone()
	msgs := make([]*model.Message, 0, len(state.order))
	for _, msg := range state.order {
		msgs = append(msgs, msg.Clone())
	}
	state.mu.RUnlock()

	return m.db.SaveSession(sess, msgs)
}
