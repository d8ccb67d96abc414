package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	huddle "github.com/huddlefit/huddle-go"
)

// session bundles what every networked command needs.
type session struct {
	cfg    *Config
	userID string
	tokens huddle.TokenProvider
	api    *huddle.Client
	store  huddle.Store
	repo   *huddle.Repository
}

// openSession loads the config and opens the REST client and cache. Close
// must be called to release the cache.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token. Run 'huddle init <token>' first")
	}

	tokens := huddle.StaticToken(cfg.Auth.Token)
	var opts []huddle.ClientOption
	if cfg.Default.APIURL != "" {
		opts = append(opts, huddle.WithBaseURL(cfg.Default.APIURL))
	}
	opts = append(opts, huddle.WithLogger(logger))
	api := huddle.NewClient(tokens, opts...)

	var store huddle.Store = huddle.NewMemoryStore()
	if cfg.Default.CacheDir != "" {
		ps, err := huddle.OpenPebbleStore(cfg.Default.CacheDir, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache: %w", err)
		}
		store = ps
	}

	userID := cfg.Auth.UserID
	if userID == "" {
		if claims, err := huddle.ParseTokenClaims(cfg.Auth.Token); err == nil {
			userID = claims.Subject
		}
	}

	return &session{
		cfg:    cfg,
		userID: userID,
		tokens: tokens,
		api:    api,
		store:  store,
		repo:   huddle.NewRepository(api, store, logger),
	}, nil
}

// connection creates the realtime transport for this session.
func (s *session) connection(metrics *huddle.Metrics) *huddle.Connection {
	url := s.cfg.Default.RealtimeURL
	if url == "" {
		url = defaultRealtimeURL
	}
	return huddle.NewConnection(huddle.ConnectionConfig{
		URL:     url,
		Tokens:  s.tokens,
		Logger:  logger,
		Metrics: metrics,
	})
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close cache: %v\n", err)
	}
}

func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printConversation(c huddle.Conversation, me string) {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%s unread)", humanize.Comma(int64(c.UnreadCount)))
	}
	when := "never"
	if !c.LastMessageTimestamp.IsZero() {
		when = humanize.Time(c.LastMessageTimestamp)
	}
	fmt.Printf("%s  %s%s\n", c.ID, c.DisplayName(me), unread)
	if c.LastMessage != "" {
		fmt.Printf("    %s · %s\n", truncate(c.LastMessage, 60), when)
	}
	if typing := c.ActiveTypingUsers(time.Now()); len(typing) > 0 {
		names := make([]string, len(typing))
		for i, u := range typing {
			names[i] = u.DisplayName
		}
		fmt.Printf("    %s typing...\n", strings.Join(names, ", "))
	}
}

func printItem(item huddle.MessageItem) {
	if item.ShowTimestamp {
		fmt.Printf("-- %s --\n", item.Timestamp.Local().Format("Mon Jan 2 15:04"))
	}
	who := item.SenderID
	if item.IsMine {
		who = "me"
	}
	fmt.Printf("  %s: %s\n", who, item.Content)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
