// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL.
//
// Handles the "skiff chat" command: a liner-backed REPL that sends
// prompts and renders the streamed reply as deltas arrive over the
// event bridge.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /status, /s         Show connection status
//   /sessions           List sessions
//   /switch NAME        Switch to another connection
//   /new [title]        Start a new session
//   /resume ID          Resume an existing session
//   /history            Show the current session transcript
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel current generation
//   Ctrl+D              Exit chat
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/skiff/internal/bridge"
	"github.com/jeranaias/skiff/internal/client"
	"github.com/jeranaias/skiff/internal/config"
	"github.com/jeranaias/skiff/internal/model"
	"github.com/jeranaias/skiff/internal/ui/styles"
	"github.com/jeranaias/skiff/internal/util"
)

var (
	flagChatConnection string
	flagChatSession    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session.

Connects to the named connection (or the configured default, or the
only registered one) and opens a REPL. Replies stream in as they are
generated; Ctrl+C cancels the current reply and keeps the partial
content.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()
		return runChat(cmd.Context(), c)
	},
}

func init() {
	chatCmd.Flags().StringVar(&flagChatConnection, "connection", "", "Connection name or ID")
	chatCmd.Flags().StringVar(&flagChatSession, "session", "", "Resume an existing session by ID")
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// chatInput provides input history and line editing for the REPL.
type chatInput struct {
	line        *liner.State
	historyFile string
}

func newChatInput() *chatInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.Dir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &chatInput{
		line:        line,
		historyFile: filepath.Join(dir, "chat_history"),
	}
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

func (in *chatInput) Read(prompt string) (string, error) {
	input, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		in.line.AppendHistory(input)
	}
	return input, nil
}

// Close persists history with owner-only permissions.
func (in *chatInput) Close() {
	if err := config.EnsureDir(); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}

// =============================================================================
// REPL STATE
// =============================================================================

type chatState struct {
	client    *client.Client
	input     *chatInput
	sessionID string
	connID    string
	quiet     bool
}

func runChat(ctx context.Context, c *client.Client) error {
	conn, err := pickConnection(c)
	if err != nil {
		return err
	}
	if err := c.Connect(ctx, conn.ID); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	st := &chatState{
		client: c,
		input:  newChatInput(),
		connID: conn.ID,
		quiet:  flagQuiet,
	}
	defer st.input.Close()

	// Pick up config edits made while the REPL is open. New values
	// apply to the next client build; only the global is refreshed here.
	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath, _ = config.PathTOML()
	}
	if cfgPath != "" {
		log, _ := newLogger(config.Global())
		if w, err := config.NewWatcher(cfgPath, config.SetGlobal, log); err == nil {
			defer w.Close()
		}
	}

	if flagChatSession != "" {
		if _, err := c.History(flagChatSession); err != nil {
			return fmt.Errorf("cannot resume session: %w", err)
		}
		st.sessionID = flagChatSession
	}

	if !st.quiet {
		fmt.Println(styles.Banner.Render("skiff " + Version))
		fmt.Printf("%s %s\n\n",
			styles.Info.Render("Connected to"),
			styles.Command.Render(conn.DisplayName))
		fmt.Println(styles.Muted.Render("Type /help for commands, Ctrl+D to exit."))
		fmt.Println()
	}

	// Watch connection transitions in the background so degradation
	// and reconnects are visible mid-conversation.
	connSub := c.Events().Subscribe(bridge.CategoryConnection)
	defer c.Events().Unsubscribe(connSub)
	go func() {
		for ev := range connSub.Events() {
			if ev.Conn == nil || st.quiet {
				continue
			}
			fmt.Fprintf(os.Stderr, "\n%s %s\n",
				styles.Muted.Render("[connection]"),
				styles.Status(ev.Conn.Status))
		}
	}()

	// First Ctrl+C cancels the in-flight reply; at the prompt liner
	// reports it as ErrPromptAborted instead.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if c.Streaming() {
				c.CancelActive()
				fmt.Fprintln(os.Stderr, "\n"+styles.Warning.Render("[cancelled]"))
			}
		}
	}()

	for {
		input, err := st.input.Read(styles.Prompt.Render("skiff> "))
		if err != nil {
			// Ctrl+C at the prompt or EOF: exit gracefully.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			cont, err := st.handleSlashCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", styles.Error.Render("[error]"), err)
			}
			if !cont {
				return nil
			}
			continue
		}
		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			return nil
		}

		if err := st.sendPrompt(ctx, input); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", styles.Error.Render("[error]"), err)
		}
	}
}

// pickConnection resolves the target connection: explicit flag, then
// the configured default, then the sole registered connection.
func pickConnection(c *client.Client) (*model.Connection, error) {
	conns := c.ListConnections()
	if len(conns) == 0 {
		return nil, fmt.Errorf("no connections registered; add one with: skiff connection add")
	}
	if flagChatConnection != "" {
		return resolveConnection(conns, flagChatConnection)
	}
	if def := config.Global().DefaultConnection; def != "" {
		if conn, err := resolveConnection(conns, def); err == nil {
			return conn, nil
		}
	}
	if len(conns) == 1 {
		return conns[0], nil
	}
	return nil, fmt.Errorf("multiple connections registered; pick one with --connection")
}

// =============================================================================
// MESSAGE SENDING
// =============================================================================

// sendPrompt sends one prompt and renders the streamed reply until the
// message reaches a terminal state.
func (st *chatState) sendPrompt(ctx context.Context, input string) error {
	if st.sessionID == "" {
		sess, err := st.client.CreateSession(st.connID, util.TruncateRunes(input, 48))
		if err != nil {
			return err
		}
		st.sessionID = sess.ID
	}

	// Subscribe before sending so the first delta cannot be missed.
	sub := st.client.Events().Subscribe(bridge.CategoryMessage)
	defer st.client.Events().Unsubscribe(sub)

	msg, err := st.client.SendPrompt(ctx, st.sessionID, input)
	if err != nil {
		return err
	}

	fmt.Println()
	for ev := range sub.Events() {
		if ev.Dropped {
			// Queue overflowed; refetch the full content instead of
			// trusting the delta stream.
			if full := st.lookupMessage(msg.ID); full != nil {
				fmt.Print("\r" + styles.Assistant.Render(full.Content))
			}
			continue
		}
		if ev.Delta == nil || ev.Delta.MessageID != msg.ID {
			continue
		}
		switch ev.Delta.State {
		case model.Streaming:
			fmt.Print(styles.Assistant.Render(ev.Delta.Text))
		case model.StreamComplete:
			fmt.Print("\n\n")
			return nil
		case model.StreamFailed:
			fmt.Printf("\n%s\n\n", styles.Error.Render("[failed: "+ev.Delta.FailReason+"]"))
			return nil
		}
	}
	return nil
}

func (st *chatState) lookupMessage(id string) *model.Message {
	history, err := st.client.History(st.sessionID)
	if err != nil {
		return nil
	}
	for _, m := range history {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand returns false when the REPL should exit.
func (st *chatState) handleSlashCommand(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "/help", "/h":
		printChatHelp()
	case "/quit", "/q", "/exit":
		return false, nil
	case "/status", "/s":
		s := st.client.ConnectionStatus()
		fmt.Printf("%s %s\n", styles.Info.Render("Connection:"), styles.Status(s.Status))
		if s.LastError != "" {
			fmt.Printf("%s %s\n", styles.Info.Render("Last error:"), s.LastError)
		}
	case "/sessions":
		for _, s := range st.client.ListSessions() {
			marker := " "
			if s.ID == st.sessionID {
				marker = styles.Command.Render("*")
			}
			fmt.Printf("%s %s  %s\n", marker, s.ID, util.TruncateRunes(s.Title, 48))
		}
	case "/switch":
		if len(args) != 1 {
			return true, fmt.Errorf("usage: /switch NAME")
		}
		conn, err := resolveConnection(st.client.ListConnections(), args[0])
		if err != nil {
			return true, err
		}
		if err := st.client.Switch(ctx, conn.ID); err != nil {
			return true, fmt.Errorf("switch failed, still on previous connection: %w", err)
		}
		st.connID = conn.ID
		st.sessionID = ""
		fmt.Printf("%s %s\n", styles.Info.Render("Switched to"), styles.Command.Render(conn.DisplayName))
	case "/new":
		title := strings.Join(args, " ")
		sess, err := st.client.CreateSession(st.connID, title)
		if err != nil {
			return true, err
		}
		st.sessionID = sess.ID
		fmt.Printf("%s %s\n", styles.Info.Render("New session"), sess.ID)
	case "/resume":
		if len(args) != 1 {
			return true, fmt.Errorf("usage: /resume ID")
		}
		if _, err := st.client.History(args[0]); err != nil {
			return true, err
		}
		st.sessionID = args[0]
		fmt.Printf("%s %s\n", styles.Info.Render("Resumed"), st.sessionID)
	case "/history":
		if st.sessionID == "" {
			fmt.Println(styles.Muted.Render("No active session."))
			return true, nil
		}
		history, err := st.client.History(st.sessionID)
		if err != nil {
			return true, err
		}
		fmt.Println()
		for _, m := range history {
			printTranscriptMessage(m)
		}
	default:
		return true, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return true, nil
}

func printChatHelp() {
	rows := [][2]string{
		{"/help, /h", "Show this help"},
		{"/status, /s", "Show connection status"},
		{"/sessions", "List sessions"},
		{"/switch NAME", "Switch connection"},
		{"/new [title]", "Start a new session"},
		{"/resume ID", "Resume a session"},
		{"/history", "Show current transcript"},
		{"/quit, /q", "Exit chat"},
	}
	fmt.Println()
	for _, r := range rows {
		fmt.Printf("  %s  %s\n", styles.Command.Render(fmt.Sprintf("%-14s", r[0])), r[1])
	}
	fmt.Println()
}
