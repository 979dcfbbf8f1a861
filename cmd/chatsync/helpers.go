package main

import (
	"fmt"
	"os"

	chatsync "github.com/talkbase/chatsync-go"
)

// getClient builds an authenticated API client from the saved config.
func getClient() *chatsync.Client {
	cfg := mustConfig()

	opts := []chatsync.ClientOption{chatsync.WithLogger(newLogger())}
	if cfg.Server.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.BaseURL))
	}
	return chatsync.NewClient(cfg.Server.Token, opts...)
}

// getProvider builds the realtime provider, or nil when no ws_url is
// configured. A nil provider leaves the engine in history-only mode.
func getProvider() *chatsync.WSProvider {
	cfg := mustConfig()
	if cfg.Server.WSURL == "" {
		return nil
	}
	return chatsync.NewWSProvider(cfg.Server.WSURL, cfg.Server.Token,
		chatsync.WithWSLogger(newLogger()))
}

// selfID returns the configured local user identity.
func selfID() chatsync.UserID {
	cfg := mustConfig()
	if cfg.User.ID == "" {
		fmt.Fprintln(os.Stderr, "No user id configured. Run 'chatsync config set user.id <id>' first.")
		os.Exit(1)
	}
	return chatsync.UserID(cfg.User.ID)
}

func mustConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Server.Token == "" {
		fmt.Fprintln(os.Stderr, "No token configured. Run 'chatsync config set server.token <token>' first.")
		os.Exit(1)
	}
	return cfg
}
