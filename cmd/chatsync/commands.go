package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chatsync/internal/chat"
	"chatsync/internal/msgstore"
)

func newRootCommand() *cobra.Command {
	o := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Direct messages on the command line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&o.ConfigPath, "config", "", "YAML config file")
	flags.StringVar(&o.ServerURL, "server", "", "message store base URL (overrides config)")
	flags.StringVar(&o.LogLevel, "log-level", "warn", "debug, info, warn or error")
	flags.StringVarP(&o.Username, "user", "u", "", "username (or CHATSYNC_USER)")
	flags.StringVarP(&o.Password, "password", "p", "", "password (or CHATSYNC_PASSWORD)")
	flags.StringVar(&o.MetricsAddr, "metrics-addr", "", "serve engine metrics on this address, e.g. :9102")

	addRegister(cmd, o)
	addSearch(cmd, o)
	addConversations(cmd, o)
	addHistory(cmd, o)
	addSend(cmd, o)
	addDelete(cmd, o)
	addChat(cmd, o)
	return cmd
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt)
}

func addRegister(topLevel *cobra.Command, o *rootOptions) {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create the account given by --user and --password.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := o.load()
			if err != nil {
				return err
			}
			user, pass, err := o.credentials()
			if err != nil {
				return err
			}
			if err := msgstore.New(cfg.ServerURL, "", logger).Register(cmd.Context(), user, pass); err != nil {
				return err
			}
			fmt.Fprintf(color.Output, "registered %s\n", bold(user))
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}

func addSearch(topLevel *cobra.Command, o *rootOptions) {
	cmd := &cobra.Command{
		Use:     "search <query>",
		Short:   "Find users to talk to.",
		Example: "chatsync search ali",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			defer s.Close()

			users, err := s.store.SearchUsers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printProfiles(color.Output, s.media, users)
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}

func addConversations(topLevel *cobra.Command, o *rootOptions) {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first.",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			defer s.Close()

			list, err := s.engine.LoadConversations(cmd.Context())
			if err != nil {
				return err
			}
			printConversations(color.Output, list)
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}

func addHistory(topLevel *cobra.Command, o *rootOptions) {
	cmd := &cobra.Command{
		Use:   "history <peer-id>",
		Short: "Show a conversation and mark it read.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			defer s.Close()

			msgs, err := s.engine.OpenConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(color.Output, s.media, s.engine.Self(), m)
			}
			return nil
		},
	}
	topLevel.AddCommand(cmd)
}

func addSend(topLevel *cobra.Command, o *rootOptions) {
	var mediaRef, replyTo string

	cmd := &cobra.Command{
		Use:   "send <peer-id> [text...]",
		Short: "Send one message and wait until the server confirms it.",
		Example: `
chatsync send 42 hello there
chatsync send 42 --media uploads/cat.png
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			s, err := openSession(ctx, o)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.connect(ctx); err != nil {
				s.log.Sugar().Warnf("sending without push: %v", err)
			}

			peer := args[0]
			tempID, err := s.engine.SubmitOutgoing(peer, strings.Join(args[1:], " "), mediaRef, replyTo)
			if err != nil {
				return err
			}
			m, err := waitConfirmed(ctx, s.engine, peer, tempID)
			if err != nil {
				return err
			}
			printMessage(color.Output, s.media, s.engine.Self(), m)
			return nil
		},
	}
	cmd.Flags().StringVar(&mediaRef, "media", "", "media reference to attach")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")
	topLevel.AddCommand(cmd)
}

func addDelete(topLevel *cobra.Command, o *rootOptions) {
	cmd := &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete a message you sent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), o)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.engine.DeleteMessage(cmd.Context(), args[0])
		},
	}
	topLevel.AddCommand(cmd)
}

func addChat(topLevel *cobra.Command, o *rootOptions) {
	cmd := &cobra.Command{
		Use:   "chat <peer-id>",
		Short: "Open an interactive conversation.",
		Long: `Open an interactive conversation. Each line is sent as a message.
"/delete <id>" deletes one of your messages and "/quit" leaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd)
			defer cancel()

			s, err := openSession(ctx, o)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.connect(ctx); err != nil {
				return err
			}
			return runChat(ctx, s, args[0])
		},
	}
	topLevel.AddCommand(cmd)
}

// waitConfirmed blocks until tempID is replaced by its stored copy or fails.
func waitConfirmed(ctx context.Context, e *chat.Engine, peer, tempID string) (chat.Message, error) {
	var token string
	for _, m := range e.Timeline(peer) {
		if m.ID == tempID {
			token = m.ClientToken
		}
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		case n := <-e.Notices():
			if n.TempID == tempID {
				return chat.Message{}, n.Err
			}
		case <-ticker.C:
			stillPending := false
			for _, m := range e.Timeline(peer) {
				switch {
				case m.ID == tempID:
					stillPending = true
				case token != "" && m.ClientToken == token:
					return m, nil
				}
			}
			if !stillPending {
				return chat.Message{}, fmt.Errorf("message %s left the timeline unconfirmed", tempID)
			}
		}
	}
}

func runChat(ctx context.Context, s *session, peer string) error {
	out := color.Output
	history, err := s.engine.OpenConversation(ctx, peer)
	if err != nil {
		return err
	}
	defer s.engine.CloseConversation()

	shown := make(map[string]bool)
	for _, m := range history {
		printMessage(out, s.media, s.engine.Self(), m)
		shown[m.ID] = true
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-s.engine.Notices():
			printNotice(out, n)
		case <-ticker.C:
			for _, m := range s.engine.Timeline(peer) {
				if m.State == chat.StateConfirmed && !shown[m.ID] {
					printMessage(out, s.media, s.engine.Self(), m)
					shown[m.ID] = true
				}
			}
			// Messages arriving while the view is open are read.
			if sum, ok := s.engine.Summary(peer); ok && sum.UnreadCount > 0 {
				s.engine.MarkRead(peer)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/delete "):
				id := strings.TrimSpace(strings.TrimPrefix(line, "/delete "))
				if err := s.engine.DeleteMessage(ctx, id); err != nil {
					fmt.Fprintln(out, failed(err.Error()))
				}
			default:
				if _, err := s.engine.SubmitOutgoing(peer, line, "", ""); err != nil && !errors.Is(err, chat.ErrEmptyMessage) {
					return err
				}
			}
		}
	}
}
