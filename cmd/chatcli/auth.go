package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/apiclient"
)

var flagPassword string

func init() {
	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd, meCmd)
	signupCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "password (prompted when omitted)")
	loginCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "password (prompted when omitted)")
}

var signupCmd = &cobra.Command{
	Use:   "signup <name> <email>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		pw, err := password()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		u, err := apiclient.New(cfg.Server.API).Signup(ctx, args[0], args[1], pw)
		if err != nil {
			return err
		}
		fmt.Printf("Created %s <%s> (%s). Run 'chatcli login %s' next.\n", u.Name, u.Email, u.ID, u.Email)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		pw, err := password()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		u, token, err := apiclient.New(cfg.Server.API).Login(ctx, args[0], pw)
		if err != nil {
			return err
		}

		cfg.Auth = ConfigAuth{Token: token, UserID: u.ID, Name: u.Name, Email: u.Email}
		if exp, ok := tokenExpiry(token); ok {
			cfg.Auth.Expires = exp.Format(time.RFC3339)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Logged in as %s.\n", u.Name)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth = ConfigAuth{}
		return saveConfig(cfg)
	},
}

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the logged-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, api, err := loggedIn()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		u, err := api.Me(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Name:  %s\nEmail: %s\nID:    %s\n", u.Name, u.Email, u.ID)
		return nil
	},
}

// password returns --password, $WHISPER_PASSWORD, or a line read from stdin.
func password() (string, error) {
	if flagPassword != "" {
		return flagPassword, nil
	}
	if pw := os.Getenv("WHISPER_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
