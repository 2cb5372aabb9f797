// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// sessions.go - Session management commands.
//
// Commands: session list|show|delete, config show|path
package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jeranaias/skiff/internal/config"
	"github.com/jeranaias/skiff/internal/export"
	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/ui/styles"
	"github.com/jeranaias/skiff/internal/util"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Manage chat sessions",
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		sessions := c.ListSessions()
		if len(sessions) == 0 {
			fmt.Println(styles.Muted.Render("No sessions yet."))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TITLE\tID\tMESSAGES\tUPDATED")
		for _, s := range sessions {
			title := util.TruncateRunes(s.Title, 40)
			if s.Orphaned {
				title += " " + styles.Warning.Render("[orphaned]")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				title, s.ID, len(s.MessageOrder), s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		history, err := c.History(args[0])
		if err != nil {
			return err
		}
		for _, msg := range history {
			printTranscriptMessage(msg)
		}
		return nil
	},
}

var (
	flagExportFormat string
	flagExportOut    string
)

var sessionExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a session transcript to Markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		var target *model.ChatSession
		for _, s := range c.ListSessions() {
			if s.ID == args[0] {
				target = s
				break
			}
		}
		if target == nil {
			return fmt.Errorf("no session %s", args[0])
		}
		history, err := c.History(target.ID)
		if err != nil {
			return err
		}

		opts := export.DefaultOptions()
		opts.OutputDir = flagExportOut
		exporter, err := export.ForFormat(flagExportFormat, opts)
		if err != nil {
			return err
		}
		path, err := export.ExportToFile(exporter, opts, target, history)
		if err != nil {
			return err
		}
		fmt.Printf("Exported to %s\n", styles.Command.Render(path))
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a session locally and on the server",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.DeleteSession(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Session deleted.")
		return nil
	},
}

func printTranscriptMessage(msg *model.Message) {
	label := string(msg.Role)
	switch msg.Role {
	case model.RoleUser:
		label = styles.Prompt.Render("you")
	case model.RoleAssistant:
		label = styles.Assistant.Render("assistant")
	}
	fmt.Printf("%s %s\n", label, styles.Muted.Render(msg.Timestamp.Format("15:04:05")))
	fmt.Println(msg.Content)
	if msg.State == model.StreamFailed {
		fmt.Println(styles.Error.Render("[failed: " + msg.FailReason + "]"))
	}
	fmt.Println()
}

// =============================================================================
// CONFIG COMMAND
// =============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Global()
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
			return err
		}
		fmt.Print(b.String())
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.PathTOML()
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

func init() {
	sessionExportCmd.Flags().StringVar(&flagExportFormat, "format", "markdown", "Export format: markdown or json")
	sessionExportCmd.Flags().StringVar(&flagExportOut, "output", "", "Output directory (default: current directory)")
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionExportCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	configCmd.AddCommand(configPathCmd)
}
