package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	huddle "github.com/huddlefit/huddle-go"
)

var (
	// conversations
	conversationsSearch string
	conversationsCached bool
	conversationsJSON   bool

	// create
	createJSON bool
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		conn := s.connection(nil)
		defer conn.Close()
		list := huddle.NewConversationListSync(conn, s.repo, huddle.ConversationListConfig{
			CurrentUserID: s.userID,
			Logger:        logger,
		})
		defer list.Close()

		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()
		if err := list.LoadConversations(ctx, conversationsCached); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		list.SetSearchText(conversationsSearch)
		convs := list.Conversations()

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			printConversation(c, s.userID)
		}
		if total := list.TotalUnread(); total > 0 {
			fmt.Printf("\n%d unread in total\n", total)
		}
		return nil
	},
}

// ============================================================================
// create
// ============================================================================

var createCmd = &cobra.Command{
	Use:   "create <participant-id>...",
	Short: "Start a conversation with one or more users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		participants := args
		if s.userID != "" && !contains(participants, s.userID) {
			participants = append([]string{s.userID}, participants...)
		}

		conn := s.connection(nil)
		defer conn.Close()
		list := huddle.NewConversationListSync(conn, s.repo, huddle.ConversationListConfig{CurrentUserID: s.userID, Logger: logger})
		defer list.Close()

		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()
		conv, err := list.CreateConversation(ctx, participants)
		if err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}

		if createJSON {
			return printJSON(conv)
		}
		fmt.Printf("Created conversation %s with %s\n", conv.ID, conv.DisplayName(s.userID))
		return nil
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		conn := s.connection(nil)
		defer conn.Close()
		list := huddle.NewConversationListSync(conn, s.repo, huddle.ConversationListConfig{CurrentUserID: s.userID, Logger: logger})
		defer list.Close()

		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()
		if err := list.DeleteConversation(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		fmt.Printf("Deleted conversation %s\n", args[0])
		return nil
	},
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func init() {
	conversationsCmd.Flags().StringVarP(&conversationsSearch, "search", "s", "", "Filter by name or last message")
	conversationsCmd.Flags().BoolVar(&conversationsCached, "cached", false, "Serve from the local cache when it has data")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	createCmd.Flags().BoolVar(&createJSON, "json", false, "Output JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deleteCmd)
}
