package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	huddle "github.com/huddlefit/huddle-go"
)

var (
	// messages
	messagesCached bool
	messagesJSON   bool

	// send
	sendRealtime bool

	// listen
	listenMetricsAddr string
)

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()
		msgs, err := s.repo.LoadMessages(ctx, args[0], messagesCached)
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, item := range huddle.GroupMessages(msgs, s.userID, 0) {
			printItem(item)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message to a conversation",
	Long:  "Send a message through the REST API. With --realtime the message is written to the realtime socket instead.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID, text := args[0], args[1]
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		conn := s.connection(nil)
		defer conn.Close()

		ctx, cancel := requestContext(30 * time.Second)
		defer cancel()
		if err := conn.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		if sendRealtime {
			if err := conn.SendChatMessage(ctx, conversationID, text, huddle.MessageTypeText); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			fmt.Printf("Message written to conversation %s\n", conversationID)
			return nil
		}

		conv := huddle.NewConversationSync(conversationID, conn, s.repo, huddle.ConversationConfig{
			CurrentUserID: s.userID,
			Logger:        logger,
		})
		defer conv.Close()

		if err := conv.SendMessage(ctx, text); err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		msgs := conv.Messages()
		if len(msgs) == 0 {
			return nil
		}
		sent := msgs[len(msgs)-1]
		fmt.Printf("Message sent to conversation %s\n", conversationID)
		fmt.Printf("  Message ID: %s\n", sent.ID)
		fmt.Printf("  Content:    %s\n", sent.Content)
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id]",
	Short: "Watch live events",
	Long: "Without arguments, keep the conversation list in sync and print updates.\n" +
		"With a conversation id, open that conversation: incoming messages are printed and\n" +
		"marked read, and every line typed on stdin is sent as a message.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var metrics *huddle.Metrics
		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = huddle.NewMetrics(reg)
			srv := &http.Server{Addr: listenMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		conn := s.connection(metrics)
		defer conn.Close()

		bus := conn.Events()
		bus.ConnectionState.Subscribe(func(ev huddle.ConnectionStateEvent) {
			switch {
			case ev.Connected:
				fmt.Fprintln(os.Stderr, "* connected")
			case ev.RetryIn > 0:
				fmt.Fprintf(os.Stderr, "* disconnected, retry %d in %s\n", ev.Attempt, ev.RetryIn)
			case ev.Err != nil:
				fmt.Fprintf(os.Stderr, "* offline: %v\n", ev.Err)
			}
		})
		bus.Errors.Subscribe(func(err error) {
			logger.Debug("realtime error", zap.Error(err))
		})

		if len(args) == 0 {
			return listenList(ctx, s, conn)
		}
		return listenConversation(ctx, s, conn, metrics, args[0])
	},
}

func listenList(ctx context.Context, s *session, conn *huddle.Connection) error {
	list := huddle.NewConversationListSync(conn, s.repo, huddle.ConversationListConfig{
		CurrentUserID: s.userID,
		Logger:        logger,
	})
	defer list.Close()

	conn.Events().Messages.Subscribe(func(ev huddle.MessageEvent) {
		fmt.Printf("[%s] %s: %s\n", ev.ConversationID, ev.Message.SenderID, ev.Message.Content)
	})
	if err := list.Activate(ctx); err != nil && !huddle.IsConnectionError(err) {
		return err
	}
	for _, c := range list.Conversations() {
		printConversation(c, s.userID)
	}

	<-ctx.Done()
	fmt.Printf("\n%d unread in total\n", list.TotalUnread())
	return nil
}

func listenConversation(ctx context.Context, s *session, conn *huddle.Connection, metrics *huddle.Metrics, conversationID string) error {
	conv := huddle.NewConversationSync(conversationID, conn, s.repo, huddle.ConversationConfig{
		CurrentUserID: s.userID,
		Logger:        logger,
		Metrics:       metrics,
	})
	defer conv.Close()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := conv.LoadMessages(ctx, true); err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	if c := conv.Conversation(); c != nil {
		fmt.Printf("== %s ==\n", c.DisplayName(s.userID))
	}
	for _, item := range conv.Items() {
		printItem(item)
	}

	bus := conn.Events()
	mine := func(id string) bool { return id == conversationID }
	bus.Messages.Subscribe(func(ev huddle.MessageEvent) {
		if ev.Message.SenderID != s.userID {
			fmt.Printf("  %s: %s\n", ev.Message.SenderID, ev.Message.Content)
		}
	}, func(ev huddle.MessageEvent) bool { return mine(ev.ConversationID) })
	bus.Typing.Subscribe(func(ev huddle.TypingEvent) {
		if ev.IsTyping && ev.UserID != s.userID {
			fmt.Fprintf(os.Stderr, "* %s is typing...\n", ev.UserName)
		}
	}, func(ev huddle.TypingEvent) bool { return mine(ev.ConversationID) })

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			conv.SetDraft(line)
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := conv.SendMessage(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "* not sent: %v\n", err)
			}
		}
	}
}

func init() {
	messagesCmd.Flags().BoolVar(&messagesCached, "cached", false, "Serve from the local cache when it has data")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().BoolVar(&sendRealtime, "realtime", false, "Write the message to the realtime socket")

	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
}
