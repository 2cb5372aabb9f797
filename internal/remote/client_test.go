// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// =============================================================================
// HANDSHAKE TESTS
// =============================================================================

func TestClient_Handshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/handshake" {
			t.Errorf("path = %s, want /v1/handshake", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret-token" {
			t.Errorf("Authorization = %q", auth)
		}
		fmt.Fprintf(w, `{"server_version":"1.4.2","protocol_version":%d,"supports_resume":true}`, ProtocolVersion)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret-token", testLogger())
	result, err := client.Handshake(context.Background())
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if result.ServerVersion != "1.4.2" {
		t.Errorf("ServerVersion = %q", result.ServerVersion)
	}
	if !result.SupportsResume {
		t.Error("SupportsResume should be true")
	}
}

func TestClient_Handshake_AuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"bad_credential","message":"invalid token"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "wrong", testLogger())
	_, err := client.Handshake(context.Background())
	if err == nil {
		t.Fatal("Handshake should fail on 401")
	}
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
	if Classify(err) != KindAuth {
		t.Errorf("Classify = %v, want KindAuth", Classify(err))
	}
	if Retryable(err) {
		t.Error("auth failures must not be retryable")
	}
}

func TestClient_Handshake_IncompatibleProtocol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"server_version":"2.0.0","protocol_version":%d}`, ProtocolVersion+1)
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger())
	_, err := client.Handshake(context.Background())
	if !errors.Is(err, ErrIncompatibleServer) {
		t.Fatalf("err = %v, want ErrIncompatibleServer", err)
	}
	if Retryable(err) {
		t.Error("protocol mismatch must not be retryable")
	}
}

func TestClient_Handshake_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger()).
		WithHandshakeTimeout(30 * time.Millisecond)
	_, err := client.Handshake(context.Background())
	if err == nil {
		t.Fatal("Handshake should time out")
	}
	if kind := Classify(err); kind != KindTimeout && kind != KindNetwork {
		t.Errorf("Classify = %v, want timeout or network", kind)
	}
	if !Retryable(err) {
		t.Error("timeouts are retryable")
	}
}

// =============================================================================
// LIVENESS PROBE TESTS
// =============================================================================

func TestClient_Ping(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/v1/health" {
			t.Errorf("path = %s, want /v1/health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger())
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestClient_Ping_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // already closed: connection refused

	client := NewClient(server.URL, "token", testLogger())
	err := client.Ping(context.Background())
	if err == nil {
		t.Fatal("Ping should fail against a closed server")
	}
	if !Retryable(err) {
		t.Error("network errors are retryable")
	}
}

// =============================================================================
// SESSION OPERATION TESTS
// =============================================================================

func TestClient_SessionLifecycle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions":
			w.Write([]byte(`{"id":"srv-sess-1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/sessions/srv-sess-1/messages":
			w.Write([]byte(`{"message_id":"srv-msg-1"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/sessions/srv-sess-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"unknown","message":"no such route"}}`))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger())
	ctx := context.Background()

	id, err := client.CreateSession(ctx, "test chat")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "srv-sess-1" {
		t.Errorf("session id = %q", id)
	}

	sent, err := client.SendMessage(ctx, id, "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent.MessageID != "srv-msg-1" {
		t.Errorf("message id = %q", sent.MessageID)
	}

	if err := client.DeleteSession(ctx, id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
}

func TestClient_SendMessage_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"no_session","message":"unknown session"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger())
	_, err := client.SendMessage(context.Background(), "ghost", "hello")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if Retryable(err) {
		t.Error("NotFound must not be retried")
	}
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestClient_OpenStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "id: 1\nevent: delta\ndata: {\"message_id\":\"m1\",\"seq\":1,\"text\":\"he\"}\n\n")
		fmt.Fprint(w, "id: 2\nevent: delta\ndata: {\"message_id\":\"m1\",\"seq\":2,\"text\":\"llo\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {\"message_id\":\"m1\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger())
	stream, err := client.OpenStream(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	var got []StreamEvent
	for ev := range stream.Events() {
		got = append(got, ev)
	}

	if len(got) != 3 {
		t.Fatalf("received %d events, want 3", len(got))
	}
	if got[0].Type != EventDelta || got[0].Text != "he" {
		t.Errorf("event 0 = %+v", got[0])
	}
	if got[2].Type != EventComplete {
		t.Errorf("event 2 = %+v", got[2])
	}
	if stream.LastEventID() != "2" {
		t.Errorf("LastEventID = %q, want 2", stream.LastEventID())
	}
	if !errors.Is(stream.Err(), ErrStreamClosed) {
		t.Errorf("stream.Err = %v, want ErrStreamClosed", stream.Err())
	}
}

func TestClient_OpenStream_ResumeHeader(t *testing.T) {
	var gotLastID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLastID = r.Header.Get("Last-Event-ID")
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger())
	stream, err := client.OpenStream(context.Background(), "sess", "17")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	for range stream.Events() {
	}
	if gotLastID != "17" {
		t.Errorf("Last-Event-ID = %q, want 17", gotLastID)
	}
}

func TestClient_OpenStream_SkipsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: delta\ndata: {garbage\n\n")
		fmt.Fprint(w, "event: delta\ndata: {\"message_id\":\"m1\",\"seq\":1,\"text\":\"ok\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", testLogger())
	stream, err := client.OpenStream(context.Background(), "sess", "")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	var got []StreamEvent
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Text != "ok" {
		t.Fatalf("got %+v, want just the valid delta", got)
	}
}

func TestClient_OpenStream_Cancel(t *testing.T) {
	blocker := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-blocker
	}))
	defer server.Close()
	defer close(blocker)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(server.URL, "token", testLogger())
	stream, err := client.OpenStream(ctx, "sess", "")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	cancel()

	select {
	case _, open := <-stream.Events():
		if open {
			t.Error("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close promptly after cancel")
	}
}

// =============================================================================
// FINGERPRINT TESTS
// =============================================================================

func TestClient_CredentialFingerprint(t *testing.T) {
	client := NewClient("http://example", "super-secret", testLogger())
	fp := client.CredentialFingerprint()
	if fp == "" || fp == "none" {
		t.Errorf("fingerprint = %q", fp)
	}
	if len(fp) != 8 {
		t.Errorf("fingerprint length = %d, want 8 hex chars", len(fp))
	}

	empty := NewClient("http://example", "", testLogger())
	if empty.CredentialFingerprint() != "none" {
		t.Error("empty credential should fingerprint as none")
	}
}
