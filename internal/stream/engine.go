// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/remote"
	"github.com/jeranaias/skiff/internal/session"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConnected is returned when a prompt is sent with no live
	// connection.
	ErrNotConnected = errors.New("no active connection")

	// ErrNoActiveStream is returned by Cancel when nothing is streaming.
	ErrNoActiveStream = errors.New("no active stream")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config tunes stream behavior. Zero values are replaced with defaults.
type Config struct {
	// HeartbeatTimeout is how long the feed may stay silent before the
	// stream is treated as lost and a reconnect is scheduled.
	HeartbeatTimeout time.Duration

	// BackoffBase and BackoffCap shape the reconnect backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		BackoffBase:      remote.BackoffBase,
		BackoffCap:       remote.BackoffCap,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	return c
}

// ClientProvider hands out the remote client for the live connection.
// Implemented by the connection manager; nil result means disconnected.
type ClientProvider interface {
	ActiveClient() *remote.Client
}

// =============================================================================
// ENGINE
// =============================================================================

// activeStream is the state of the one in-flight assistant turn.
type activeStream struct {
	sessionID       string
	remoteSessionID string
	messageID       string
	gen             uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// Engine relays the remote event feed into session mutations. At most
// one stream is active at a time; starting a new prompt or switching
// sessions cancels the previous one, and the generation tag carried on
// every write keeps a cancelled stream's stragglers out of the session.
type Engine struct {
	sessions *session.Manager
	provider ClientProvider
	log      zerolog.Logger
	cfg      Config

	mu     sync.Mutex
	active *activeStream

	// remoteIDs maps local session IDs to their server-side handles.
	// Transient: a restart simply provisions fresh remote sessions.
	remoteIDs map[string]string
}

// NewEngine creates a stream engine writing into the session manager.
func NewEngine(sessions *session.Manager, provider ClientProvider, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		sessions:  sessions,
		provider:  provider,
		log:       log.With().Str("component", "stream").Logger(),
		cfg:       cfg.withDefaults(),
		remoteIDs: make(map[string]string),
	}
}

// =============================================================================
// PROMPT LIFECYCLE
// =============================================================================

// SendPrompt submits a user prompt and starts streaming the assistant's
// reply. The user message is appended first and survives any later
// failure; a prompt is never silently dropped. Returns the pending
// assistant message so the UI can track it through delta events.
func (e *Engine) SendPrompt(ctx context.Context, sessionID, content string) (*model.Message, error) {
	client := e.provider.ActiveClient()
	if client == nil {
		return nil, ErrNotConnected
	}

	sess, err := e.sessions.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	// One stream at a time: a new prompt supersedes the old turn.
	e.CancelActive("superseded by new prompt")

	remoteID, err := e.ensureRemoteSession(ctx, client, sessionID, sess.Title)
	if err != nil {
		return nil, err
	}

	userMsg := model.NewUserMessage(sessionID, content)
	if err := e.sessions.AppendMessage(sessionID, userMsg); err != nil {
		return nil, err
	}

	result, err := client.SendMessage(ctx, remoteID, content)
	if err != nil {
		// The user message stays in history so a retry is one action.
		return nil, err
	}

	gen, err := e.sessions.AcquireWriter(sessionID)
	if err != nil {
		return nil, err
	}
	assistant, err := e.sessions.BeginAssistantTurn(sessionID, gen, result.MessageID)
	if err != nil {
		e.sessions.ReleaseWriter(sessionID, gen)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	as := &activeStream{
		sessionID:       sessionID,
		remoteSessionID: remoteID,
		messageID:       assistant.ID,
		gen:             gen,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	e.mu.Lock()
	e.active = as
	e.mu.Unlock()

	go e.run(runCtx, as, client)
	return assistant, nil
}

// CancelActive cancels the in-flight stream, if any, and waits for it
// to wind down. The affected message is marked Failed with the reason.
func (e *Engine) CancelActive(reason string) error {
	e.mu.Lock()
	as := e.active
	e.mu.Unlock()
	if as == nil {
		return ErrNoActiveStream
	}

	as.cancel()
	<-as.done

	// The run loop marks the message on its way out; reason here is a
	// fallback for the case where it exited before noticing the cancel.
	e.sessions.FailMessage(as.sessionID, as.messageID, as.gen, reason)
	return nil
}

// OnDisconnect cancels any active stream. Wired as the connection
// manager's disconnect hook so teardown reaches the feed promptly.
func (e *Engine) OnDisconnect() {
	e.CancelActive("connection closed")
}

// Streaming reports whether an assistant turn is currently in flight.
func (e *Engine) Streaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// ForgetSession drops the local-to-remote session mapping and deletes
// the server-side session if a connection is live. Called on session
// delete.
func (e *Engine) ForgetSession(ctx context.Context, sessionID string) {
	e.mu.Lock()
	streaming := e.active != nil && e.active.sessionID == sessionID
	remoteID, ok := e.remoteIDs[sessionID]
	delete(e.remoteIDs, sessionID)
	e.mu.Unlock()

	if streaming {
		e.CancelActive("session deleted")
	}
	if !ok {
		return
	}

	if client := e.provider.ActiveClient(); client != nil {
		if err := client.DeleteSession(ctx, remoteID); err != nil {
			e.log.Debug().Err(err).Str("session_id", sessionID).Msg("remote session cleanup failed")
		}
	}
}

// Close cancels any in-flight stream.
func (e *Engine) Close() {
	e.CancelActive("shutting down")
}

// =============================================================================
// STREAM LOOP
// =============================================================================

// run owns one assistant turn: it opens the feed, applies events, and
// reconnects with backoff on loss, resuming from the last event ID so
// already-applied deltas are skipped server-side (and discarded by the
// seq check if replayed anyway).
func (e *Engine) run(ctx context.Context, as *activeStream, client *remote.Client) {
	defer close(as.done)
	defer e.clearActive(as)
	defer e.sessions.ReleaseWriter(as.sessionID, as.gen)

	backoff := remote.NewBackoffWith(e.cfg.BackoffBase, e.cfg.BackoffCap)
	lastEventID := ""

	for {
		feed, err := client.OpenStream(ctx, as.remoteSessionID, lastEventID)
		if err != nil {
			if ctx.Err() != nil {
				e.failTurn(as, "cancelled")
				return
			}
			if !remote.Retryable(err) {
				e.failTurn(as, err.Error())
				return
			}
			e.log.Warn().Err(err).Int("attempt", backoff.Attempt()).Msg("stream open failed, backing off")
			if backoff.Wait(ctx) != nil {
				e.failTurn(as, "cancelled")
				return
			}
			continue
		}

		terminal := e.consume(ctx, as, feed)

		if id := feed.LastEventID(); id != "" {
			lastEventID = id
		} else if seq, err := e.sessions.LastAppliedSeq(as.sessionID, as.messageID); err == nil && seq > 0 {
			// Server sent no ids; fall back to the applied sequence.
			lastEventID = strconv.FormatUint(seq, 10)
		}

		if terminal {
			return
		}
		if ctx.Err() != nil {
			e.failTurn(as, "cancelled")
			return
		}

		e.log.Warn().
			Str("session_id", as.sessionID).
			Str("last_event_id", lastEventID).
			Msg("stream lost, reconnecting")
		if backoff.Wait(ctx) != nil {
			e.failTurn(as, "cancelled")
			return
		}
	}
}

// consume applies feed events until the turn ends or the feed dies.
// Returns true when the turn reached a terminal state (no reconnect).
func (e *Engine) consume(ctx context.Context, as *activeStream, feed *remote.Stream) bool {
	defer feed.Close()

	timer := time.NewTimer(e.cfg.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-feed.Events():
			if !ok {
				// Feed closed. A clean server close without a done
				// event is a loss; reconnect and resume.
				return false
			}

			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(e.cfg.HeartbeatTimeout)

			if !e.apply(as, ev) {
				return true
			}

		case <-timer.C:
			e.log.Warn().
				Str("session_id", as.sessionID).
				Dur("timeout", e.cfg.HeartbeatTimeout).
				Msg("stream silent past heartbeat timeout")
			return false

		case <-ctx.Done():
			return false
		}
	}
}

// apply folds one feed event into the session. Returns false when the
// turn is finished (complete, failed, or the writer was superseded).
func (e *Engine) apply(as *activeStream, ev remote.StreamEvent) bool {
	switch ev.Type {
	case remote.EventDelta:
		_, err := e.sessions.ApplyDelta(as.sessionID, ev.MessageID, as.gen, ev.Seq, ev.Text)
		if err != nil {
			if errors.Is(err, session.ErrStaleGeneration) {
				// Another stream owns the session now; stop quietly.
				return false
			}
			e.log.Warn().Err(err).
				Str("message_id", ev.MessageID).
				Uint64("seq", ev.Seq).
				Msg("delta rejected")
		}
		return true

	case remote.EventComplete:
		if err := e.sessions.CompleteMessage(as.sessionID, as.messageID, as.gen); err != nil {
			e.log.Warn().Err(err).Str("message_id", as.messageID).Msg("complete rejected")
		}
		return false

	case remote.EventError:
		reason := ev.Message
		if reason == "" {
			reason = "server reported an error"
		}
		if ev.Code != "" {
			reason = ev.Code + ": " + reason
		}
		e.failTurn(as, reason)
		return false

	case remote.EventHeartbeat:
		return true

	default:
		return true
	}
}

// failTurn marks the assistant message Failed unless it already reached
// a terminal state.
func (e *Engine) failTurn(as *activeStream, reason string) {
	err := e.sessions.FailMessage(as.sessionID, as.messageID, as.gen, reason)
	if err != nil && !errors.Is(err, session.ErrInvalidState) && !errors.Is(err, session.ErrStaleGeneration) {
		e.log.Warn().Err(err).Str("message_id", as.messageID).Msg("could not mark turn failed")
	}
}

// clearActive removes as from the active slot if it still occupies it.
func (e *Engine) clearActive(as *activeStream) {
	e.mu.Lock()
	if e.active == as {
		e.active = nil
	}
	e.mu.Unlock()
}

// ensureRemoteSession provisions the server-side session on first use.
func (e *Engine) ensureRemoteSession(ctx context.Context, client *remote.Client, sessionID, title string) (string, error) {
	e.mu.Lock()
	remoteID, ok := e.remoteIDs[sessionID]
	e.mu.Unlock()
	if ok {
		return remoteID, nil
	}

	remoteID, err := client.CreateSession(ctx, title)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.remoteIDs[sessionID] = remoteID
	e.mu.Unlock()
	return remoteID, nil
}
