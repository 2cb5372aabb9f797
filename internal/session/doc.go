// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session manages chat sessions and the messages inside them.
//
// Each session has one ordered message list and at most one streaming
// writer at a time. Write ownership is a generation tag handed out by
// AcquireWriter: every streaming mutation presents its tag, and a tag
// invalidated by a session switch or delete simply stops working, so a
// cancelled stream's late deltas can never land in the wrong place.
//
// Reads never block behind streaming appends for long; History and
// GetSession return deep snapshots, and callers may hold them without
// affecting the live session.
//
// # Key Types
//
//   - Manager: the session registry and the only way to mutate sessions
//   - ConnectionResolver: lets CreateSession validate the owning connection
//
// # Usage
//
//	mgr, _ := session.NewManager(db, resolver, events, log)
//	sess, _ := mgr.CreateSession(connID, "untitled")
//	mgr.AppendMessage(sess.ID, model.NewUserMessage(sess.ID, prompt))
//	gen, _ := mgr.AcquireWriter(sess.ID)
//	msg, _ := mgr.BeginAssistantTurn(sess.ID, gen, serverMsgID)
//	mgr.ApplyDelta(sess.ID, msg.ID, gen, 1, "hello")
//	mgr.CompleteMessage(sess.ID, msg.ID, gen)
package session
