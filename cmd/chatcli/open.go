package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/apperr"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/msgcache"
	"github.com/whisper/chatsync/internal/session"
	"github.com/whisper/chatsync/internal/transport"
	"github.com/whisper/chatsync/internal/typing"
)

func init() {
	rootCmd.AddCommand(openCmd, sendCmd, historyCmd, watchCmd)
}

var openCmd = &cobra.Command{
	Use:   "open <chat>",
	Short: "Chat interactively (by chat id or name)",
	Long: "Open a chat and stay connected. Lines typed are sent as messages.\n" +
		"Commands: /retry resends failed messages, /discard drops them,\n" +
		"/reload retries a failed history load, /quit exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctrl, cfg, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer ctrl.Stop()

		chatID, err := resolveChat(ctrl.Chats(), args[0])
		if err != nil {
			return err
		}
		if ch, ok := ctrl.Chat(chatID); ok {
			fmt.Printf("--- %s ---\n", ch.DisplayName(cfg.Auth.UserID))
		}

		// Subscribers run on the controller's loop; they only poke this
		// goroutine, which then reads state through the blocking queries.
		poke := make(chan struct{}, 1)
		notify := func() {
			select {
			case poke <- struct{}{}:
			default:
			}
		}
		errs := make(chan session.ErrorEvent, 8)
		defer ctrl.OnMessages(chatID, func(string) { notify() })()
		defer ctrl.OnStatus(func(session.Status) { notify() })()
		defer ctrl.OnTyping(func(c typing.Change) {
			if c.ChatID == chatID {
				notify()
			}
		})()
		defer ctrl.OnError(func(ev session.ErrorEvent) {
			if ev.Silent {
				return
			}
			select {
			case errs <- ev:
			default:
			}
		})()

		if err := ctrl.OpenChat(chatID); err != nil {
			return err
		}
		notify()

		p := newPrinter(cfg.Auth.UserID)
		// stdin is read once history is in, so piped lines are not sent
		// before the chat is open.
		var lines <-chan string
		lastPhase := session.NoChatOpen
		for {
			select {
			case <-ctx.Done():
				// A second interrupt kills the process while finish waits.
				stop()
				return finish(ctrl, chatID)

			case <-poke:
				st := ctrl.Status()
				if st.ChatID != chatID && lastPhase != session.NoChatOpen {
					fmt.Println("You are no longer a member of this chat.")
					return nil
				}
				if st.Phase == session.LoadFailed && lastPhase != session.LoadFailed {
					fmt.Printf("! could not load history: %s (/reload to retry)\n", apperr.UserMessage(st.Err))
				}
				if lines == nil && st.ChatID == chatID && st.Phase != session.LoadingHistory {
					lines = readLines(os.Stdin)
				}
				lastPhase = st.Phase
				for _, l := range p.update(ctrl.Messages(chatID), ctrl.TypingIn(chatID)) {
					fmt.Println(l)
				}

			case ev := <-errs:
				fmt.Fprintf(os.Stderr, "! %s: %s\n", ev.Op, apperr.UserMessage(ev.Err))

			case line, ok := <-lines:
				if !ok {
					return finish(ctrl, chatID)
				}
				if done, err := handleLine(ctrl, chatID, line); err != nil {
					return err
				} else if done {
					return finish(ctrl, chatID)
				}
			}
		}
	},
}

// flushWait bounds how long leaving a chat waits for sends in flight.
const flushWait = 10 * time.Second

// finish waits for outstanding sends before the deferred Stop cancels them.
func finish(ctrl *session.Controller, chatID string) error {
	return reportUnsent(os.Stderr, ctrl.Flush(chatID, flushWait))
}

// reportUnsent lists messages the server never confirmed. It fails when
// there are any so the exit status reflects the loss.
func reportUnsent(w io.Writer, entries []msgcache.Entry) error {
	for _, e := range entries {
		state := "still sending"
		if e.Status == msgcache.Failed {
			state = "failed"
			if e.Err != nil {
				state += ": " + apperr.UserMessage(e.Err)
			}
		}
		fmt.Fprintf(w, "! not sent (%s): %s\n", state, e.Content)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%d message(s) were not sent", len(entries))
	}
	return nil
}

// handleLine runs a slash command or sends line as a message. It reports
// whether the user asked to quit.
func handleLine(ctrl *session.Controller, chatID, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return true, nil
	case "/reload":
		return false, ctrl.OpenChat(chatID)
	case "/retry", "/discard":
		for _, e := range ctrl.Messages(chatID) {
			if e.Status != msgcache.Failed {
				continue
			}
			var err error
			if strings.TrimSpace(line) == "/retry" {
				err = ctrl.RetrySend(chatID, e.ID)
			} else {
				err = ctrl.DiscardFailed(chatID, e.ID)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "! %s\n", describe(err))
			}
		}
		return false, nil
	}

	if _, err := ctrl.SendMessage(line); err != nil {
		fmt.Fprintf(os.Stderr, "! %s\n", describe(err))
	}
	return false, nil
}

var sendCmd = &cobra.Command{
	Use:   "send <chat> <message...>",
	Short: "Send one message without staying connected",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, api, err := loggedIn()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		chats, err := api.FetchChats(ctx)
		if err != nil {
			return err
		}
		chatID, err := resolveChat(chats, args[0])
		if err != nil {
			return err
		}
		content := chat.NormalizeContent(strings.Join(args[1:], " "))
		if err := chat.ValidateMessage(content); err != nil {
			return err
		}
		m, err := api.SendMessage(ctx, chatID, content)
		if err != nil {
			return err
		}
		fmt.Printf("sent %s at %s\n", m.ID, m.CreatedAt.Local().Format("15:04:05"))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <chat>",
	Short: "Print a chat's messages and mark it read",
	Args:  cobra.ExactArgs(1),
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
		chatID, err := resolveChat(chats, args[0])
		if err != nil {
			return err
		}

		cache := msgcache.New(api, msgcache.Config{})
		if _, err := cache.LoadHistory(ctx, chatID); err != nil {
			return err
		}
		for _, e := range cache.Entries(chatID) {
			fmt.Println(formatEntry(e, cfg.Auth.UserID))
		}
		if err := api.MarkAsRead(ctx, chatID); err != nil {
			fmt.Fprintf(os.Stderr, "! mark read: %s\n", describe(err))
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and report activity across all chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ctrl, cfg, err := startSession(ctx)
		if err != nil {
			return err
		}
		defer ctrl.Stop()

		poke := make(chan struct{}, 1)
		defer ctrl.OnRoster(func() {
			select {
			case poke <- struct{}{}:
			default:
			}
		})()

		fmt.Println("Watching. Ctrl-C to stop.")
		unread := unreadSet(ctrl.Chats(), cfg.Auth.UserID)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-poke:
				chats := ctrl.Chats()
				now := unreadSet(chats, cfg.Auth.UserID)
				for _, ch := range chats {
					if now[ch.ID] && !unread[ch.ID] {
						fmt.Printf("[%s] new activity: %s\n", time.Now().Format("15:04"), formatChatLine(ch, cfg.Auth.UserID))
					}
				}
				unread = now
			}
		}
	},
}

// startSession builds a controller from the stored login and connects it.
func startSession(ctx context.Context) (*session.Controller, *Config, error) {
	cfg, api, err := loggedIn()
	if err != nil {
		return nil, nil, err
	}
	tr := transport.New(transport.DefaultConfig(cfg.Server.Socket, cfg.Auth.Token))
	ctrl := session.New(api, tr, session.Config{Self: self(cfg)})

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := ctrl.Start(startCtx); err != nil {
		ctrl.Stop()
		return nil, nil, err
	}
	return ctrl, cfg, nil
}

func unreadSet(chats []chat.Chat, selfID string) map[string]bool {
	out := make(map[string]bool)
	for _, ch := range chats {
		if ch.IsUnreadBy(selfID) {
			out[ch.ID] = true
		}
	}
	return out
}

// readLines streams stdin lines until EOF.
func readLines(f *os.File) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}
