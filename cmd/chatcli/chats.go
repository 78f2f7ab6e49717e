package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/roster"
)

var (
	flagUnread bool
	flagSearch string
)

func init() {
	rootCmd.AddCommand(chatsCmd, newChatCmd, groupCmd)
	groupCmd.AddCommand(groupCreateCmd, groupRemoveCmd)

	chatsCmd.Flags().BoolVar(&flagUnread, "unread", false, "only chats with unread messages")
	chatsCmd.Flags().StringVarP(&flagSearch, "search", "s", "", "filter by member name")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, api, err := loggedIn()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		chats, err := api.FetchChats(ctx)
		if err != nil {
			return err
		}

		r := roster.New(cfg.Auth.UserID)
		r.Replace(chats)
		list := r.All()
		if flagSearch != "" {
			list = r.Filter(roster.MemberNameContains(flagSearch))
		}
		shown := 0
		for _, ch := range list {
			if flagUnread && !ch.IsUnreadBy(cfg.Auth.UserID) {
				continue
			}
			fmt.Println(formatChatLine(ch, cfg.Auth.UserID))
			shown++
		}
		if shown == 0 {
			fmt.Println("No chats.")
		}
		return nil
	},
}

var newChatCmd = &cobra.Command{
	Use:   "new <userId>",
	Short: "Open (or create) a direct chat with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, api, err := loggedIn()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		ch, err := api.CreateChat(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(formatChatLine(ch, cfg.Auth.UserID))
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage group chats",
}

var groupCreateCmd = &cobra.Command{
	Use:   "create <name> <userId> <userId>...",
	Short: "Create a group with you as admin",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, api, err := loggedIn()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		g, err := api.CreateGroup(ctx, args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Println(formatChatLine(g, cfg.Auth.UserID))
		return nil
	},
}

var groupRemoveCmd = &cobra.Command{
	Use:   "remove <groupId> <userId>",
	Short: "Remove a member (admin only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, api, err := loggedIn()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		g, err := api.RemoveFromGroup(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(formatChatLine(g, cfg.Auth.UserID))
		return nil
	},
}

// resolveChat accepts a chat id or a name fragment matching exactly one
// chat, ignoring case.
func resolveChat(chats []chat.Chat, ref string) (string, error) {
	match := roster.MemberNameContains(ref)
	var hits []chat.Chat
	for _, ch := range chats {
		if ch.ID == ref {
			return ref, nil
		}
		if match(ch) {
			hits = append(hits, ch)
		}
	}
	switch len(hits) {
	case 0:
		return "", fmt.Errorf("no chat matches %q", ref)
	case 1:
		return hits[0].ID, nil
	}
	return "", fmt.Errorf("%q matches %d chats; use the chat id", ref, len(hits))
}
