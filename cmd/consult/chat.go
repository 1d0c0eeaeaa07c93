package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/evidentia-ai/consult/pkg/config"
	"github.com/evidentia-ai/consult/pkg/models"
	"github.com/evidentia-ai/consult/pkg/restapi"
	"github.com/evidentia-ai/consult/pkg/session"
)

var conversationID string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session against the configured backend.

Messages are sent as-is. Lines starting with "/" are commands:

  /edit <message-id> <new content>   edit a sent message
  /delete <message-id>               delete a message (asks to confirm)
  /regenerate <message-id>           regenerate an assistant response
  /messages                          print the current timeline
  /reconnect                         force a fresh connection
  /quit                              leave`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&conversationID, "conversation", "",
		"conversation id to attach to (default: a new conversation)")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	creds := session.StaticToken(cfg.Token())
	api := restapi.NewClient(cfg.APIBaseURL, creds)
	out := cmd.OutOrStdout()

	sess, err := session.New(session.Config{
		ConversationID:       conversationID,
		ServerURL:            cfg.ServerURL,
		APIBaseURL:           cfg.APIBaseURL,
		Credentials:          creds,
		API:                  api,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		Backoff:              session.Backoff{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay},
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		OnStreamDelta: func(_, delta string) {
			fmt.Fprint(out, delta)
		},
		OnMessageFinal: func(msg models.Message) {
			fmt.Fprintf(out, "\n[%s]\n", msg.ID)
			for _, c := range msg.Citations {
				fmt.Fprintf(out, "  · %s\n", formatCitation(c))
			}
		},
		OnTransientError: func(cerr *session.ChatError) {
			fmt.Fprintf(out, "\nnotice: %s\n", cerr)
		},
		OnSessionError: func(cerr *session.ChatError) {
			fmt.Fprintf(out, "\nsession error: %s\n", cerr)
		},
		OnStateChange: func(state models.ConnectionState) {
			fmt.Fprintf(out, "-- %s --\n", state)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Connect()

	fmt.Fprintf(out, "conversation %s — type a message, /quit to leave\n", conversationID)
	reader := bufio.NewReader(os.Stdin)
	ctx := cmd.Context()

	for {
		fmt.Fprint(out, "> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil // EOF: done
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, cmd, sess, reader, line); quit {
				return nil
			}
			continue
		}

		if _, err := sess.Send(ctx, line, nil); err != nil {
			fmt.Fprintf(out, "send failed: %v\n", err)
		}
	}
}

// runCommand dispatches a "/" command line. Returns true to quit.
func runCommand(ctx context.Context, cmd *cobra.Command, sess *session.Session, reader *bufio.Reader, line string) bool {
	out := cmd.OutOrStdout()
	fields := strings.Fields(line)

	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/reconnect":
		sess.Reconnect()

	case "/messages":
		for _, m := range sess.Messages() {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.ID, m.Role, m.Content)
		}

	case "/edit":
		if len(fields) < 3 {
			fmt.Fprintln(out, "usage: /edit <message-id> <new content>")
			return false
		}
		content := strings.Join(fields[2:], " ")
		if _, err := sess.Edit(ctx, fields[1], content); err != nil {
			fmt.Fprintf(out, "edit failed: %v\n", err)
		}

	case "/delete":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /delete <message-id>")
			return false
		}
		confirm := func() bool {
			fmt.Fprintf(out, "delete %s? [y/N]: ", fields[1])
			answer, err := reader.ReadString('\n')
			if err != nil {
				return false
			}
			return strings.EqualFold(strings.TrimSpace(answer), "y")
		}
		if err := sess.Delete(ctx, fields[1], confirm); err != nil {
			fmt.Fprintf(out, "delete failed: %v\n", err)
		}

	case "/regenerate":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: /regenerate <message-id>")
			return false
		}
		if _, err := sess.Regenerate(ctx, fields[1]); err != nil {
			fmt.Fprintf(out, "regenerate failed: %v\n", err)
		}

	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	return false
}

func formatCitation(c models.Citation) string {
	parts := []string{}
	if c.Title != "" {
		parts = append(parts, c.Title)
	}
	if len(c.Authors) > 0 {
		parts = append(parts, strings.Join(c.Authors, ", "))
	}
	if c.Journal != "" {
		parts = append(parts, c.Journal)
	}
	if c.PublicationYear != nil {
		parts = append(parts, fmt.Sprintf("%d", *c.PublicationYear))
	}
	if c.DOI != "" {
		parts = append(parts, "doi:"+c.DOI)
	}
	if len(parts) == 0 {
		return c.ID
	}
	return strings.Join(parts, " — ")
}
