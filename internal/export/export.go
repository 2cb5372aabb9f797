// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders session transcripts to portable formats.
//
// Exporters take a session snapshot plus its ordered messages and
// produce Markdown or JSON suitable for archiving outside skiff.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter converts one session transcript to a target format.
type Exporter interface {
	// Export renders the session and its messages.
	Export(sess *model.ChatSession, msgs []*model.Message) ([]byte, error)

	// FileExtension returns the extension for the format (e.g. ".md").
	FileExtension() string
}

// Options configures export behavior.
type Options struct {
	// OutputDir is where files are written. Default: working directory.
	OutputDir string

	// IncludeMetadata adds a header with session details.
	IncludeMetadata bool

	// IncludeTimestamps adds per-message timestamps.
	IncludeTimestamps bool
}

// DefaultOptions enables metadata and timestamps.
func DefaultOptions() *Options {
	return &Options{
		IncludeMetadata:   true,
		IncludeTimestamps: true,
	}
}

// ForFormat returns the exporter for a format name ("markdown", "md",
// "json").
func ForFormat(format string, opts *Options) (Exporter, error) {
	switch strings.ToLower(format) {
	case "markdown", "md":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	default:
		return nil, fmt.Errorf("unknown export format %q (want markdown or json)", format)
	}
}

// =============================================================================
// FILE OUTPUT
// =============================================================================

// ExportToFile renders the session and writes it under the configured
// output directory. Returns the written path.
func ExportToFile(e Exporter, opts *Options, sess *model.ChatSession, msgs []*model.Message) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	data, err := e.Export(sess, msgs)
	if err != nil {
		return "", err
	}

	dir := opts.OutputDir
	if dir == "" {
		dir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	path := filepath.Join(dir, exportFilename(sess)+e.FileExtension())
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	return path, nil
}

// exportFilename derives a filesystem-safe name from the session title
// and creation date.
func exportFilename(sess *model.ChatSession) string {
	title := strings.TrimSpace(sess.Title)
	if title == "" {
		title = "session"
	}
	title = util.TruncateRunesNoEllipsis(title, 48)

	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "session"
	}
	return sess.CreatedAt.Format("2006-01-02") + "-" + name
}

func formatTimestamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
