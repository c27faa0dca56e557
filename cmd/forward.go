package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/publisher"
	"tgrelay/pkg/relay"

	"github.com/spf13/cobra"
)

var (
	forwardText    string
	forwardChatID  int64
	forwardReplyTo int64
)

// forwardCmd sends one synthetic message through the configured publishers.
var forwardCmd = &cobra.Command{
	Use:   "forward [text]",
	Short: "Forward one message to the configured publishers",
	Long:  "Builds a message from flags, dispatches it once to every configured publisher, and prints how many succeeded.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadRuntime("cmd.forward")
		if err != nil {
			return err
		}

		event := forwardEvent(resolveText(args), forwardChatID, forwardReplyTo, time.Now())
		return runForward(cmd.Context(), cfg, event, cmd.OutOrStdout(), log)
	},
}

func init() {
	rootCmd.AddCommand(forwardCmd)
	forwardCmd.Flags().StringVarP(&forwardText, "text", "t", "", "message text to forward")
	forwardCmd.Flags().Int64Var(&forwardChatID, "chat-id", 0, "chat id to attach to the message")
	forwardCmd.Flags().Int64Var(&forwardReplyTo, "reply-to", 0, "mark the message as a reply to this message id")
}

// runForward dispatches event once and fails when any publisher failed.
func runForward(ctx context.Context, cfg *config.Config, event message.Event, out io.Writer, log *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	publishers, err := publisher.Build(cfg.Publishers, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = publisher.CloseAll(publishers)
	}()

	summary := relay.New(publishers, relay.WithLogger(log)).OnMessage(ctx, event)

	fmt.Fprintf(out, "forwarded %s\n", summary.Forwarded())
	for _, outcome := range summary.Failed() {
		fmt.Fprintf(out, "  [%d] %s: %v\n", outcome.Index, outcome.Publisher, outcome.Err)
	}

	if summary.Succeeded < summary.Total {
		return errors.New("one or more publishers failed")
	}
	return nil
}

func forwardEvent(text string, chatID int64, replyTo int64, now time.Time) message.Event {
	event := message.Event{Date: now.Unix()}
	if text != "" {
		event.Text = &text
	}
	if chatID != 0 {
		event.ChatID = &chatID
	}
	if replyTo != 0 {
		event.ReplyToMsgID = &replyTo
	}
	return event
}

func resolveText(args []string) string {
	if value := strings.TrimSpace(forwardText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}
