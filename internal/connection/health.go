// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package connection

import (
	"context"
	"errors"
	"time"

	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/remote"
)

// =============================================================================
// HEALTH MONITORING
// =============================================================================

// healthLoop probes the active endpoint on a fixed interval until its
// context is cancelled or its epoch is superseded. One loop per live
// connection; disconnect cancels it before starting a replacement.
func (m *Manager) healthLoop(ctx context.Context, epoch uint64) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.healthTick(ctx, epoch) {
			return
		}
	}
}

// healthTick runs one probe cycle. Returns false when the loop should
// stop (epoch superseded or connection torn down).
func (m *Manager) healthTick(ctx context.Context, epoch uint64) bool {
	var client remoteClient
	var connID string
	m.withState("health snapshot", func() {
		if m.st.epoch != epoch || !m.st.status.Live() {
			return
		}
		client = m.st.client
		connID = m.st.connID
	})
	if client == nil {
		return false
	}

	// The probe runs outside the guard so a slow endpoint never blocks
	// status reads or user operations.
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := client.Ping(pctx)
	cancel()

	if ctx.Err() != nil {
		return false
	}
	return m.applyProbe(ctx, epoch, connID, err)
}

// applyProbe folds one probe outcome into the state machine.
func (m *Manager) applyProbe(ctx context.Context, epoch uint64, connID string, probeErr error) bool {
	var (
		cont          = true
		startRecovery bool
		authReason    string
	)

	m.withState("health apply", func() {
		if m.st.epoch != epoch {
			cont = false
			return
		}

		if probeErr == nil {
			m.st.health.record(true)
			if m.st.status == model.StatusDegraded {
				m.transitionLocked(model.StatusConnected, "health restored")
			}
			return
		}

		m.st.health.record(false)
		m.st.lastError = probeErr.Error()

		switch remote.Classify(probeErr) {
		case remote.KindAuth:
			// Credentials revoked mid-session. Not retryable.
			authReason = probeErr.Error()
			cont = false

		case remote.KindTimeout:
			// Slow but answering: degrade after the threshold, keep
			// probing in case it recovers on its own.
			if m.st.health.failures >= m.cfg.DegradeThreshold && m.st.status == model.StatusConnected {
				m.transitionLocked(model.StatusDegraded, "consecutive health probes timed out")
			}

		default:
			// Confirmed lost (refused, reset, unreachable): hand off
			// to the reconnect loop.
			if m.st.status != model.StatusReconnecting {
				m.transitionLocked(model.StatusReconnecting, "connection lost")
				startRecovery = true
			}
			cont = false
		}
	})

	if authReason != "" {
		m.failConnection(connID, authReason)
		return false
	}
	if startRecovery {
		m.wg.Add(1)
		go m.reconnectLoop(ctx, epoch, connID)
	}
	return cont
}

// =============================================================================
// RECONNECTION
// =============================================================================

// reconnectLoop retries the handshake with exponential backoff until it
// succeeds, hits a non-retryable error, or is cancelled. On success the
// backoff resets and a fresh health loop takes over.
func (m *Manager) reconnectLoop(ctx context.Context, epoch uint64, connID string) {
	defer m.wg.Done()

	backoff := remote.NewBackoffWith(m.cfg.ReconnectBase, m.cfg.ReconnectCap)

	for {
		if err := backoff.Wait(ctx); err != nil {
			return
		}

		var client remoteClient
		m.withState("reconnect snapshot", func() {
			if m.st.epoch == epoch {
				client = m.st.client
			}
		})
		if client == nil {
			return
		}

		hctx, cancel := context.WithTimeout(ctx, remote.DefaultHandshakeTimeout)
		_, err := client.Handshake(hctx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			var recovered bool
			m.withState("reconnect commit", func() {
				if m.st.epoch != epoch {
					return
				}
				m.st.health = healthWindow{}
				m.st.lastError = ""
				m.transitionLocked(model.StatusConnected, "reconnected")
				recovered = true
			})
			if recovered {
				m.log.Info().
					Str("connection_id", connID).
					Int("attempts", backoff.Attempt()).
					Msg("reconnected after backoff")
				m.wg.Add(1)
				go m.healthLoop(ctx, epoch)
			}
			return
		}

		if !remote.Retryable(err) {
			if errors.Is(err, context.Canceled) {
				return
			}
			m.failConnection(connID, err.Error())
			return
		}

		m.log.Debug().
			Err(err).
			Int("attempt", backoff.Attempt()).
			Msg("reconnect attempt failed")
	}
}
