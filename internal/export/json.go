// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/skiff/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter renders transcripts as a single indented JSON document.
type JSONExporter struct {
	options *Options
}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// FileExtension returns ".json".
func (e *JSONExporter) FileExtension() string { return ".json" }

// jsonDocument is the export envelope.
type jsonDocument struct {
	Session    *model.ChatSession `json:"session"`
	Messages   []*model.Message   `json:"messages"`
	ExportedAt time.Time          `json:"exported_at"`
}

// Export renders the session to JSON.
func (e *JSONExporter) Export(sess *model.ChatSession, msgs []*model.Message) ([]byte, error) {
	if sess == nil {
		return nil, fmt.Errorf("session is nil")
	}
	doc := jsonDocument{
		Session:    sess,
		Messages:   msgs,
		ExportedAt: time.Now(),
	}
	return json.MarshalIndent(doc, "", "  ")
}
