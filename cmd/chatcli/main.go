package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/apiclient"
	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/chat"
)

var (
	flagAPI    string
	flagSocket string
)

var rootCmd = &cobra.Command{
	Use:           "chatcli",
	Short:         "Whisper chat from the terminal",
	Long:          "Command-line client for Whisper: log in, list chats, and chat in real time.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAPI, "api", "", "REST base URL (overrides server.api)")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "socket URL (overrides server.socket)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", describe(err))
		os.Exit(1)
	}
}

// describe turns classified errors into the text a user should see.
func describe(err error) string {
	if apperr.KindOf(err) != apperr.KindUnexpected {
		return apperr.UserMessage(err)
	}
	return err.Error()
}

// settings loads the config and applies the flag overrides.
func settings() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if flagAPI != "" {
		cfg.Server.API = flagAPI
	}
	if flagSocket != "" {
		cfg.Server.Socket = flagSocket
	}
	return cfg, nil
}

// loggedIn returns the config and an API client carrying the stored token.
// It fails early when no token is stored or it has expired.
func loggedIn() (*Config, *apiclient.Client, error) {
	cfg, err := settings()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("not logged in; run 'chatcli login <email>'")
	}
	if exp, err := time.Parse(time.RFC3339, cfg.Auth.Expires); err == nil && time.Now().After(exp) {
		return nil, nil, fmt.Errorf("session expired at %s; run 'chatcli login %s'", exp.Format(time.Kitchen), cfg.Auth.Email)
	}
	return cfg, apiclient.New(cfg.Server.API, apiclient.WithToken(cfg.Auth.Token)), nil
}

// self is the logged-in user as recorded at login.
func self(cfg *Config) chat.User {
	return chat.User{ID: cfg.Auth.UserID, Name: cfg.Auth.Name, Email: cfg.Auth.Email}
}

// tokenExpiry reads the exp claim without verifying the signature; only the
// server can do that.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
