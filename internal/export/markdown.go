// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/skiff/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter renders transcripts as Markdown with optional YAML
// frontmatter.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// FileExtension returns ".md".
func (e *MarkdownExporter) FileExtension() string { return ".md" }

// Export renders the session to Markdown.
func (e *MarkdownExporter) Export(sess *model.ChatSession, msgs []*model.Message) ([]byte, error) {
	if sess == nil {
		return nil, fmt.Errorf("session is nil")
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("session has no messages")
	}

	var sb strings.Builder

	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		sb.WriteString(fmt.Sprintf("title: %s\n", escapeYAML(sess.Title)))
		sb.WriteString(fmt.Sprintf("session: %s\n", sess.ID))
		sb.WriteString(fmt.Sprintf("date: %s\n", sess.CreatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("updated: %s\n", sess.UpdatedAt.Format(time.RFC3339)))
		sb.WriteString(fmt.Sprintf("messages: %d\n", len(msgs)))
		sb.WriteString(fmt.Sprintf("exported: %s\n", time.Now().Format(time.RFC3339)))
		sb.WriteString("---\n\n")
	}

	title := sess.Title
	if title == "" {
		title = "Chat Session"
	}
	sb.WriteString(fmt.Sprintf("# %s\n\n", title))

	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleUser:
			sb.WriteString("## You")
		case model.RoleAssistant:
			sb.WriteString("## Assistant")
		default:
			sb.WriteString("## " + string(msg.Role))
		}
		if e.options.IncludeTimestamps {
			sb.WriteString(" — " + formatTimestamp(msg.Timestamp))
		}
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimRight(msg.Content, "\n"))
		sb.WriteString("\n\n")
		if msg.State == model.StreamFailed {
			sb.WriteString(fmt.Sprintf("> _reply failed: %s_\n\n", msg.FailReason))
		}
	}

	return []byte(sb.String()), nil
}

// escapeYAML quotes a frontmatter value when it contains characters
// that would break scalar parsing.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#\"'\n[]{}") {
		return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	}
	if s == "" {
		return `""`
	}
	return s
}
