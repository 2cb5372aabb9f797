// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jeranaias/skiff/internal/bridge"
	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/store"
)

type fakeResolver map[string]bool

func (f fakeResolver) HasConnection(id string) bool { return f[id] }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(nil, fakeResolver{"conn-1": true}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// =============================================================================
// SESSION CRUD
// =============================================================================

func TestCreateSession(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.CreateSession("conn-1", "my chat")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected generated session ID")
	}
	if sess.Title != "my chat" {
		t.Errorf("Title = %q, want %q", sess.Title, "my chat")
	}
	if sess.ConnectionID != "conn-1" {
		t.Errorf("ConnectionID = %q, want conn-1", sess.ConnectionID)
	}

	got, err := m.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("GetSession returned %q, want %q", got.ID, sess.ID)
	}
}

func TestCreateSessionUnknownConnection(t *testing.T) {
	m := newTestManager(t)

	_, err := m.CreateSession("conn-missing", "x")
	if !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("err = %v, want ErrConnectionNotFound", err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.GetSession("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSession(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")

	if err := m.DeleteSession(sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := m.GetSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("session still present after delete")
	}
	if err := m.DeleteSession(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second delete err = %v, want ErrSessionNotFound", err)
	}
}

// =============================================================================
// APPEND AND HISTORY
// =============================================================================

func TestAppendMessageOrdering(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")

	for i := 0; i < 5; i++ {
		msg := model.NewUserMessage(sess.ID, fmt.Sprintf("prompt %d", i))
		if err := m.AppendMessage(sess.ID, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	hist, err := m.History(sess.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 5 {
		t.Fatalf("len(hist) = %d, want 5", len(hist))
	}
	for i, msg := range hist {
		want := fmt.Sprintf("prompt %d", i)
		if msg.Content != want {
			t.Errorf("hist[%d].Content = %q, want %q", i, msg.Content, want)
		}
	}
}

func TestAppendMessageRejectsStreaming(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")

	msg := model.NewAssistantMessage(sess.ID) // Streaming state
	if err := m.AppendMessage(sess.ID, msg); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestHistorySnapshotIsolation(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	m.AppendMessage(sess.ID, model.NewUserMessage(sess.ID, "original"))

	hist, _ := m.History(sess.ID)
	hist[0].Content = "mutated"

	again, _ := m.History(sess.ID)
	if again[0].Content != "original" {
		t.Error("History returned shared state instead of a snapshot")
	}
}

// =============================================================================
// STREAMING WRITER
// =============================================================================

func TestStreamingTurnLifecycle(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")

	gen, err := m.AcquireWriter(sess.ID)
	if err != nil {
		t.Fatalf("AcquireWriter: %v", err)
	}
	msg, err := m.BeginAssistantTurn(sess.ID, gen, "msg-server-1")
	if err != nil {
		t.Fatalf("BeginAssistantTurn: %v", err)
	}
	if msg.ID != "msg-server-1" {
		t.Errorf("message ID = %q, want server-assigned", msg.ID)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		applied, err := m.ApplyDelta(sess.ID, msg.ID, gen, seq, fmt.Sprintf("part%d ", seq))
		if err != nil || !applied {
			t.Fatalf("ApplyDelta seq %d: applied=%v err=%v", seq, applied, err)
		}
	}
	if err := m.CompleteMessage(sess.ID, msg.ID, gen); err != nil {
		t.Fatalf("CompleteMessage: %v", err)
	}

	hist, _ := m.History(sess.ID)
	got := hist[len(hist)-1]
	if got.Content != "part1 part2 part3 " {
		t.Errorf("Content = %q", got.Content)
	}
	if got.State != model.StreamComplete {
		t.Errorf("State = %v, want Complete", got.State)
	}
}

func TestApplyDeltaDiscardsDuplicates(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, gen, "")

	m.ApplyDelta(sess.ID, msg.ID, gen, 1, "a")
	m.ApplyDelta(sess.ID, msg.ID, gen, 2, "b")

	// Replays and stale sequences are silently dropped.
	for _, seq := range []uint64{2, 1, 2} {
		applied, err := m.ApplyDelta(sess.ID, msg.ID, gen, seq, "dup")
		if err != nil {
			t.Fatalf("ApplyDelta replay seq %d: %v", seq, err)
		}
		if applied {
			t.Errorf("replayed seq %d was applied", seq)
		}
	}

	m.CompleteMessage(sess.ID, msg.ID, gen)
	hist, _ := m.History(sess.ID)
	if got := hist[len(hist)-1].Content; got != "ab" {
		t.Errorf("Content = %q, want %q", got, "ab")
	}
}

func TestApplyDeltaReordersGappedFragments(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, gen, "")

	applied, err := m.ApplyDelta(sess.ID, msg.ID, gen, 1, "a")
	if err != nil || !applied {
		t.Fatalf("ApplyDelta seq 1: applied=%v err=%v", applied, err)
	}

	// Seq 3 arrives before seq 2: it must be held, not applied and not
	// treated as an error.
	applied, err = m.ApplyDelta(sess.ID, msg.ID, gen, 3, "c")
	if err != nil {
		t.Fatalf("ApplyDelta seq 3: %v", err)
	}
	if applied {
		t.Error("gapped seq 3 was applied before seq 2 arrived")
	}
	if seq, _ := m.LastAppliedSeq(sess.ID, msg.ID); seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}

	// Seq 2 closes the gap and pulls the held fragment in behind it.
	applied, err = m.ApplyDelta(sess.ID, msg.ID, gen, 2, "b")
	if err != nil || !applied {
		t.Fatalf("ApplyDelta seq 2: applied=%v err=%v", applied, err)
	}
	if seq, _ := m.LastAppliedSeq(sess.ID, msg.ID); seq != 3 {
		t.Errorf("seq = %d, want 3", seq)
	}

	m.CompleteMessage(sess.ID, msg.ID, gen)
	hist, _ := m.History(sess.ID)
	if got := hist[len(hist)-1].Content; got != "abc" {
		t.Errorf("Content = %q, want %q", got, "abc")
	}
}

func TestStaleGenerationRejected(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")

	oldGen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, oldGen, "")

	// A newer acquisition (session switch) invalidates the old writer.
	newGen, _ := m.AcquireWriter(sess.ID)
	if newGen == oldGen {
		t.Fatal("generations must be distinct")
	}

	if _, err := m.ApplyDelta(sess.ID, msg.ID, oldGen, 1, "late"); !errors.Is(err, ErrStaleGeneration) {
		t.Errorf("ApplyDelta err = %v, want ErrStaleGeneration", err)
	}
	if err := m.CompleteMessage(sess.ID, msg.ID, oldGen); !errors.Is(err, ErrStaleGeneration) {
		t.Errorf("CompleteMessage err = %v, want ErrStaleGeneration", err)
	}
}

func TestCompletedMessageImmutable(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, gen, "")
	m.ApplyDelta(sess.ID, msg.ID, gen, 1, "done")
	m.CompleteMessage(sess.ID, msg.ID, gen)

	if _, err := m.ApplyDelta(sess.ID, msg.ID, gen, 2, "more"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ApplyDelta err = %v, want ErrInvalidState", err)
	}
	if err := m.FailMessage(sess.ID, msg.ID, gen, "oops"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("FailMessage err = %v, want ErrInvalidState", err)
	}
}

func TestFailMessageKeepsPartialContent(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, gen, "")
	m.ApplyDelta(sess.ID, msg.ID, gen, 1, "partial answer")

	if err := m.FailMessage(sess.ID, msg.ID, gen, "stream dropped"); err != nil {
		t.Fatalf("FailMessage: %v", err)
	}

	hist, _ := m.History(sess.ID)
	got := hist[len(hist)-1]
	if got.State != model.StreamFailed {
		t.Errorf("State = %v, want Failed", got.State)
	}
	if got.Content != "partial answer" {
		t.Errorf("Content = %q, partial content was discarded", got.Content)
	}
	if got.FailReason != "stream dropped" {
		t.Errorf("FailReason = %q", got.FailReason)
	}
}

func TestLastAppliedSeq(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, gen, "")

	if seq, _ := m.LastAppliedSeq(sess.ID, msg.ID); seq != 0 {
		t.Errorf("initial seq = %d, want 0", seq)
	}
	for seq := uint64(1); seq <= 3; seq++ {
		m.ApplyDelta(sess.ID, msg.ID, gen, seq, "x")
	}
	if seq, _ := m.LastAppliedSeq(sess.ID, msg.ID); seq != 3 {
		t.Errorf("seq = %d, want 3", seq)
	}

	// A fragment past a gap is held, not counted: resume must ask for
	// the missing seq, not skip past it.
	m.ApplyDelta(sess.ID, msg.ID, gen, 5, "x")
	if seq, _ := m.LastAppliedSeq(sess.ID, msg.ID); seq != 3 {
		t.Errorf("seq after gapped delta = %d, want 3", seq)
	}
}

func TestDeleteInvalidatesWriter(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	m.BeginAssistantTurn(sess.ID, gen, "msg-1")

	m.DeleteSession(sess.ID)

	if _, err := m.ApplyDelta(sess.ID, "msg-1", gen, 1, "late"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

// =============================================================================
// ORPHANING
// =============================================================================

func TestMarkOrphaned(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	m.BeginAssistantTurn(sess.ID, gen, "msg-1")

	m.MarkOrphaned("conn-1")

	got, _ := m.GetSession(sess.ID)
	if !got.Orphaned {
		t.Error("session not flagged orphaned")
	}
	if _, err := m.ApplyDelta(sess.ID, "msg-1", gen, 1, "x"); !errors.Is(err, ErrSessionOrphaned) {
		t.Errorf("ApplyDelta err = %v, want ErrSessionOrphaned", err)
	}
	if err := m.AppendMessage(sess.ID, model.NewUserMessage(sess.ID, "hi")); !errors.Is(err, ErrSessionOrphaned) {
		t.Errorf("AppendMessage err = %v, want ErrSessionOrphaned", err)
	}
	if _, err := m.AcquireWriter(sess.ID); !errors.Is(err, ErrSessionOrphaned) {
		t.Errorf("AcquireWriter err = %v, want ErrSessionOrphaned", err)
	}

	// Reads still work.
	if _, err := m.History(sess.ID); err != nil {
		t.Errorf("History on orphaned session: %v", err)
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestDeltaEventsPublished(t *testing.T) {
	events := bridge.New(zerolog.Nop())
	defer events.Close()
	m, err := NewManager(nil, fakeResolver{"conn-1": true}, events, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	sub := events.Subscribe(bridge.CategoryMessage)
	defer events.Unsubscribe(sub)

	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, gen, "")
	m.ApplyDelta(sess.ID, msg.ID, gen, 1, "hello")
	m.ApplyDelta(sess.ID, msg.ID, gen, 1, "replay") // discarded, no event
	m.CompleteMessage(sess.ID, msg.ID, gen)

	first := <-sub.Events()
	if first.Delta == nil || first.Delta.Text != "hello" || first.Delta.Seq != 1 {
		t.Fatalf("unexpected first event: %+v", first)
	}
	second := <-sub.Events()
	if second.Delta == nil || second.Delta.State != model.StreamComplete {
		t.Fatalf("unexpected second event: %+v", second)
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestManagerPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m1, err := NewManager(db, fakeResolver{"conn-1": true}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sess, _ := m1.CreateSession("conn-1", "persisted chat")
	m1.AppendMessage(sess.ID, model.NewUserMessage(sess.ID, "hello there"))
	gen, _ := m1.AcquireWriter(sess.ID)
	msg, _ := m1.BeginAssistantTurn(sess.ID, gen, "")
	m1.ApplyDelta(sess.ID, msg.ID, gen, 1, "general kenobi")
	m1.CompleteMessage(sess.ID, msg.ID, gen)
	db.Close()

	db2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	m2, err := NewManager(db2, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager reload: %v", err)
	}
	got, err := m2.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession after restart: %v", err)
	}
	if got.Title != "persisted chat" {
		t.Errorf("Title = %q", got.Title)
	}
	hist, _ := m2.History(sess.ID)
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[1].Content != "general kenobi" {
		t.Errorf("reloaded content = %q", hist[1].Content)
	}
	if !hist[1].State.Terminal() {
		t.Errorf("reloaded message not terminal: %v", hist[1].State)
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentReadersDuringStreaming(t *testing.T) {
	m := newTestManager(t)
	sess, _ := m.CreateSession("conn-1", "x")
	gen, _ := m.AcquireWriter(sess.ID)
	msg, _ := m.BeginAssistantTurn(sess.ID, gen, "")

	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := m.History(sess.ID); err != nil {
					t.Errorf("History: %v", err)
					return
				}
				m.ListSessions()
			}
		}()
	}

	for seq := uint64(1); seq <= 200; seq++ {
		if _, err := m.ApplyDelta(sess.ID, msg.ID, gen, seq, "x"); err != nil {
			t.Fatalf("ApplyDelta: %v", err)
		}
	}
	m.CompleteMessage(sess.ID, msg.ID, gen)
	close(done)
	wg.Wait()

	hist, _ := m.History(sess.ID)
	if got := len(hist[len(hist)-1].Content); got != 200 {
		t.Errorf("final content length = %d, want 200", got)
	}
}
