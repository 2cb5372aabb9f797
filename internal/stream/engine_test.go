// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/remote"
	"github.com/jeranaias/skiff/internal/session"
)

// =============================================================================
// FAKE CHAT SERVER
// =============================================================================

// fakeServer speaks the session and SSE endpoints. Each events request
// invokes the next handler in feeds, so tests can script what every
// (re)connection sees.
type fakeServer struct {
	t *testing.T

	mu       sync.Mutex
	feeds    []func(w http.ResponseWriter, r *http.Request)
	attempts int

	server *httptest.Server
}

func newFakeServer(t *testing.T, feeds ...func(w http.ResponseWriter, r *http.Request)) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, feeds: feeds}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"rs-1"}`)
	})
	mux.HandleFunc("POST /v1/sessions/rs-1/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message_id":"am-1"}`)
	})
	mux.HandleFunc("GET /v1/sessions/rs-1/events", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		i := fs.attempts
		fs.attempts++
		var feed func(http.ResponseWriter, *http.Request)
		if i < len(fs.feeds) {
			feed = fs.feeds[i]
		}
		fs.mu.Unlock()

		if feed == nil {
			// Unscripted attempt: hold silently until client cancels.
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		feed(w, r)
	})

	fs.server = httptest.NewServer(mux)
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) attemptCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.attempts
}

func sse(w http.ResponseWriter, lines ...string) {
	for _, line := range lines {
		fmt.Fprint(w, line)
	}
	w.(http.Flusher).Flush()
}

func delta(id int, msgID, text string) string {
	return fmt.Sprintf("id: %d\nevent: delta\ndata: {\"message_id\":%q,\"seq\":%d,\"text\":%q}\n\n", id, msgID, id, text)
}

func done(msgID string) string {
	return fmt.Sprintf("event: done\ndata: {\"message_id\":%q}\n\n", msgID)
}

// =============================================================================
// HARNESS
// =============================================================================

type fixedProvider struct{ client *remote.Client }

func (p fixedProvider) ActiveClient() *remote.Client { return p.client }

type testFixture struct {
	engine   *Engine
	sessions *session.Manager
	sessID   string
}

func newFixture(t *testing.T, fs *fakeServer, cfg Config) *testFixture {
	t.Helper()
	sessions, err := session.NewManager(nil, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sess, err := sessions.CreateSession("conn-1", "test chat")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	client := remote.NewClient(fs.server.URL, "token", zerolog.Nop())
	engine := NewEngine(sessions, fixedProvider{client}, cfg, zerolog.Nop())
	t.Cleanup(engine.Close)

	return &testFixture{engine: engine, sessions: sessions, sessID: sess.ID}
}

// lastMessage polls history until the last message satisfies cond.
func (f *testFixture) lastMessage(t *testing.T, d time.Duration, cond func(*model.Message) bool, msg string) *model.Message {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		hist, err := f.sessions.History(f.sessID)
		if err == nil && len(hist) > 0 {
			last := hist[len(hist)-1]
			if cond(last) {
				return last
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
	return nil
}

func fastStreamConfig() Config {
	return Config{
		HeartbeatTimeout: 150 * time.Millisecond,
		BackoffBase:      5 * time.Millisecond,
		BackoffCap:       20 * time.Millisecond,
	}
}

// =============================================================================
// TESTS
// =============================================================================

func TestSendPromptStreamsFullTurn(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			delta(1, "am-1", "Hello"),
			delta(2, "am-1", ", world"),
			delta(3, "am-1", "!"),
			done("am-1"),
		)
	})
	f := newFixture(t, fs, fastStreamConfig())

	assistant, err := f.engine.SendPrompt(context.Background(), f.sessID, "greet me")
	if err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	if assistant.ID != "am-1" {
		t.Errorf("assistant ID = %q, want server-assigned am-1", assistant.ID)
	}

	final := f.lastMessage(t, time.Second, func(m *model.Message) bool {
		return m.State == model.StreamComplete
	}, "turn never completed")

	if final.Content != "Hello, world!" {
		t.Errorf("Content = %q", final.Content)
	}

	// History holds the user prompt followed by the reply.
	hist, _ := f.sessions.History(f.sessID)
	if len(hist) != 2 || hist[0].Role != model.RoleUser || hist[0].Content != "greet me" {
		t.Errorf("unexpected history: %+v", hist)
	}
}

func TestSendPromptNotConnected(t *testing.T) {
	sessions, _ := session.NewManager(nil, nil, nil, zerolog.Nop())
	sess, _ := sessions.CreateSession("conn-1", "x")
	engine := NewEngine(sessions, fixedProvider{nil}, fastStreamConfig(), zerolog.Nop())

	if _, err := engine.SendPrompt(context.Background(), sess.ID, "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestDuplicateDeltasAppliedOnce(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			delta(1, "am-1", "a"),
			delta(2, "am-1", "b"),
			delta(2, "am-1", "b"), // duplicate
			delta(1, "am-1", "a"), // replay
			delta(3, "am-1", "c"),
			done("am-1"),
		)
	})
	f := newFixture(t, fs, fastStreamConfig())

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "go"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	final := f.lastMessage(t, time.Second, func(m *model.Message) bool {
		return m.State == model.StreamComplete
	}, "turn never completed")
	if final.Content != "abc" {
		t.Errorf("Content = %q, want %q (duplicates double-applied?)", final.Content, "abc")
	}
}

func TestErrorEventFailsTurn(t *testing.T) {
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			delta(1, "am-1", "partial "),
			"event: error\ndata: {\"code\":\"overloaded\",\"message\":\"model unavailable\"}\n\n",
		)
	})
	f := newFixture(t, fs, fastStreamConfig())

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "go"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	final := f.lastMessage(t, time.Second, func(m *model.Message) bool {
		return m.State == model.StreamFailed
	}, "turn never failed")
	if final.Content != "partial " {
		t.Errorf("partial content lost: %q", final.Content)
	}
	if !strings.Contains(final.FailReason, "overloaded") {
		t.Errorf("FailReason = %q", final.FailReason)
	}
}

func TestHeartbeatTimeoutTriggersResume(t *testing.T) {
	var resumeHeader string
	var mu sync.Mutex

	fs := newFakeServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			sse(w, delta(1, "am-1", "first "), delta(2, "am-1", "half "))
			// Then go silent until the engine gives up on us.
			<-r.Context().Done()
		},
		func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			resumeHeader = r.Header.Get("Last-Event-ID")
			mu.Unlock()
			sse(w, delta(3, "am-1", "second half"), done("am-1"))
		},
	)
	f := newFixture(t, fs, fastStreamConfig())

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "go"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	final := f.lastMessage(t, 3*time.Second, func(m *model.Message) bool {
		return m.State == model.StreamComplete
	}, "turn never completed after resume")
	if final.Content != "first half second half" {
		t.Errorf("Content = %q", final.Content)
	}

	mu.Lock()
	defer mu.Unlock()
	if resumeHeader != "2" {
		t.Errorf("Last-Event-ID = %q, want %q", resumeHeader, "2")
	}
	if fs.attemptCount() != 2 {
		t.Errorf("events attempts = %d, want 2", fs.attemptCount())
	}
}

func TestReplayAfterResumeDiscarded(t *testing.T) {
	fs := newFakeServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			sse(w, delta(1, "am-1", "x"), delta(2, "am-1", "y"))
			<-r.Context().Done()
		},
		func(w http.ResponseWriter, r *http.Request) {
			// A non-resuming server replays everything.
			sse(w,
				delta(1, "am-1", "x"),
				delta(2, "am-1", "y"),
				delta(3, "am-1", "z"),
				done("am-1"),
			)
		},
	)
	f := newFixture(t, fs, fastStreamConfig())

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "go"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	final := f.lastMessage(t, 3*time.Second, func(m *model.Message) bool {
		return m.State == model.StreamComplete
	}, "turn never completed")
	if final.Content != "xyz" {
		t.Errorf("Content = %q, want %q", final.Content, "xyz")
	}
}

func TestCancelStopsStreamAndFailsMessage(t *testing.T) {
	started := make(chan struct{})
	fs := newFakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		sse(w, delta(1, "am-1", "partial"))
		close(started)
		<-r.Context().Done()
	})
	f := newFixture(t, fs, fastStreamConfig())

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "go"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	<-started

	f.lastMessage(t, time.Second, func(m *model.Message) bool {
		return strings.Contains(m.Content, "partial")
	}, "first delta never applied")

	if err := f.engine.CancelActive("user cancelled"); err != nil {
		t.Fatalf("CancelActive: %v", err)
	}

	final := f.lastMessage(t, time.Second, func(m *model.Message) bool {
		return m.State == model.StreamFailed
	}, "cancelled turn never marked failed")
	if final.Content != "partial" {
		t.Errorf("Content = %q", final.Content)
	}
	if f.engine.Streaming() {
		t.Error("engine still reports an active stream")
	}
}

func TestCancelWithoutActiveStream(t *testing.T) {
	sessions, _ := session.NewManager(nil, nil, nil, zerolog.Nop())
	engine := NewEngine(sessions, fixedProvider{nil}, fastStreamConfig(), zerolog.Nop())

	if err := engine.CancelActive("nothing"); !errors.Is(err, ErrNoActiveStream) {
		t.Errorf("err = %v, want ErrNoActiveStream", err)
	}
}

func TestLateEventsCannotMutateAfterCancel(t *testing.T) {
	release := make(chan struct{})
	fs := newFakeServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			sse(w, delta(1, "am-1", "first"))
			<-release
			// These arrive after the turn was cancelled.
			sse(w, delta(2, "am-1", " LATE"), done("am-1"))
			<-r.Context().Done()
		},
	)
	f := newFixture(t, fs, fastStreamConfig())

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "go"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}
	f.lastMessage(t, time.Second, func(m *model.Message) bool {
		return m.Content == "first"
	}, "first delta never applied")

	f.engine.CancelActive("switching away")
	close(release)
	time.Sleep(50 * time.Millisecond)

	hist, _ := f.sessions.History(f.sessID)
	final := hist[len(hist)-1]
	if final.Content != "first" {
		t.Errorf("late delta mutated cancelled turn: %q", final.Content)
	}
	if final.State != model.StreamFailed {
		t.Errorf("State = %v, want Failed", final.State)
	}
}

func TestNewPromptSupersedesActiveStream(t *testing.T) {
	fs := newFakeServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			sse(w, delta(1, "am-1", "slow turn"))
			<-r.Context().Done()
		},
		func(w http.ResponseWriter, r *http.Request) {
			sse(w, delta(1, "am-1", "fast reply"), done("am-1"))
		},
	)
	f := newFixture(t, fs, fastStreamConfig())

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "first"); err != nil {
		t.Fatalf("first SendPrompt: %v", err)
	}
	f.lastMessage(t, time.Second, func(m *model.Message) bool {
		return m.Content == "slow turn"
	}, "first stream never started")

	if _, err := f.engine.SendPrompt(context.Background(), f.sessID, "second"); err != nil {
		t.Fatalf("second SendPrompt: %v", err)
	}

	f.lastMessage(t, 2*time.Second, func(m *model.Message) bool {
		return m.State == model.StreamComplete && m.Content == "fast reply"
	}, "superseding turn never completed")
}
