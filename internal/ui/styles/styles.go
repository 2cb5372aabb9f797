// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling for skiff's CLI output.
// All colors use Lip Gloss AdaptiveColor for automatic light/dark detection.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/skiff/internal/model"
)

// =============================================================================
// PALETTE
// =============================================================================

// Purple - Assistant messages, banners
var Purple = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}

// Cyan - Brand color, prompts, commands
var Cyan = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}

// Emerald - Connected, success states
var Emerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}

// Rose - Errors, failed connections
var Rose = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}

// Amber - Warnings, degraded connections
var Amber = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}

// TextSecondary - Labels, metadata
var TextSecondary = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#A6ADC8"}

// TextMuted - Hints, timestamps
var TextMuted = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// Prompt is the REPL input prompt.
	Prompt = lipgloss.NewStyle().Foreground(Cyan).Bold(true)

	// Banner is the welcome header.
	Banner = lipgloss.NewStyle().Foreground(Purple).Bold(true)

	// Info renders secondary information lines.
	Info = lipgloss.NewStyle().Foreground(TextSecondary)

	// Muted renders hints and timestamps.
	Muted = lipgloss.NewStyle().Foreground(TextMuted)

	// Command highlights slash commands in help text.
	Command = lipgloss.NewStyle().Foreground(Emerald)

	// Warning renders cautions and cancellations.
	Warning = lipgloss.NewStyle().Foreground(Amber)

	// Error renders failures.
	Error = lipgloss.NewStyle().Foreground(Rose).Bold(true)

	// Assistant renders streamed reply text.
	Assistant = lipgloss.NewStyle().Foreground(Purple)
)

// =============================================================================
// CONNECTION STATUS
// =============================================================================

var statusStyles = map[model.ConnStatus]lipgloss.Style{
	model.StatusDisconnected: lipgloss.NewStyle().Foreground(TextMuted),
	model.StatusConnecting:   lipgloss.NewStyle().Foreground(Amber),
	model.StatusConnected:    lipgloss.NewStyle().Foreground(Emerald).Bold(true),
	model.StatusDegraded:     lipgloss.NewStyle().Foreground(Amber).Bold(true),
	model.StatusReconnecting: lipgloss.NewStyle().Foreground(Amber),
	model.StatusFailed:       lipgloss.NewStyle().Foreground(Rose).Bold(true),
}

// Status renders a connection status with its semantic color.
func Status(s model.ConnStatus) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(s.String())
	}
	return s.String()
}
