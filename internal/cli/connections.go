// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// connections.go - Connection management commands.
//
// Commands: connection add|list|remove, connect, status
package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/ui/styles"
)

var (
	flagConnName string
	flagConnURL  string
	flagConnKey  string
)

var connectionCmd = &cobra.Command{
	Use:     "connection",
	Aliases: []string{"connections", "conn"},
	Short:   "Manage server connections",
}

var connectionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new server connection",
	Long: `Register a new server connection.

The API key is stored encrypted in the keyring; the connection record
only carries an opaque reference. If --key is omitted the key is read
interactively without echo.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagConnName == "" || flagConnURL == "" {
			return fmt.Errorf("--name and --url are required")
		}
		secret := flagConnKey
		if secret == "" {
			var err error
			secret, err = promptSecret("API key: ")
			if err != nil {
				return err
			}
		}
		if strings.TrimSpace(secret) == "" {
			return fmt.Errorf("API key must not be empty")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		conn, err := c.AddConnection(flagConnName, flagConnURL, secret)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s (%s)\n", styles.Command.Render(conn.DisplayName), conn.ID)
		return nil
	},
}

var connectionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		conns := c.ListConnections()
		if len(conns) == 0 {
			fmt.Println(styles.Muted.Render("No connections. Add one with: skiff connection add"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tURL\tSTATUS")
		for _, conn := range conns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				conn.DisplayName, conn.ID, conn.BaseURL, styles.Status(conn.Status))
		}
		return w.Flush()
	},
}

var connectionRemoveCmd = &cobra.Command{
	Use:     "remove <name|id>",
	Aliases: []string{"rm"},
	Short:   "Remove a connection and its credential",
	Long: `Remove a connection, its encrypted credential, and disconnect it
if active. Chat sessions tied to the connection are kept readable but
can no longer send messages.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		conn, err := resolveConnection(c.ListConnections(), args[0])
		if err != nil {
			return err
		}
		if err := c.RemoveConnection(conn.ID); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", conn.DisplayName)
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <name|id>",
	Short: "Connect to a registered server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		conn, err := resolveConnection(c.ListConnections(), args[0])
		if err != nil {
			return err
		}
		if err := c.Connect(cmd.Context(), conn.ID); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		fmt.Printf("Connected to %s %s\n",
			styles.Command.Render(conn.DisplayName),
			styles.Muted.Render("("+conn.BaseURL+")"))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"s"},
	Short:   "Show connection status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		st := c.ConnectionStatus()
		if st.ConnectionID == "" {
			fmt.Println(styles.Muted.Render("Not connected."))
			return nil
		}
		fmt.Printf("Connection: %s\n", st.ConnectionID)
		fmt.Printf("Status:     %s\n", styles.Status(st.Status))
		if st.LastError != "" {
			fmt.Printf("Last error: %s\n", styles.Error.Render(st.LastError))
		}
		return nil
	},
}

func init() {
	connectionAddCmd.Flags().StringVar(&flagConnName, "name", "", "Display name")
	connectionAddCmd.Flags().StringVar(&flagConnURL, "url", "", "Server base URL")
	connectionAddCmd.Flags().StringVar(&flagConnKey, "key", "", "API key (prompted if omitted)")
	connectionCmd.AddCommand(connectionAddCmd)
	connectionCmd.AddCommand(connectionListCmd)
	connectionCmd.AddCommand(connectionRemoveCmd)
}

// resolveConnection matches by display name first, then ID prefix.
func resolveConnection(conns []*model.Connection, key string) (*model.Connection, error) {
	for _, conn := range conns {
		if strings.EqualFold(conn.DisplayName, key) {
			return conn, nil
		}
	}
	for _, conn := range conns {
		if strings.HasPrefix(conn.ID, key) {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no connection matches %q", key)
}

// promptSecret reads a line without echoing it.
func promptSecret(prompt string) (string, error) {
	line := liner.NewLiner()
	defer line.Close()
	secret, err := line.PasswordPrompt(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read API key: %w", err)
	}
	return secret, nil
}
