package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/chatsync/internal/cache"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/sender"
	"github.com/spf13/cobra"
)

// ErrSendFailed is returned when a send did not produce a reply.
var ErrSendFailed = errors.New("send failed")

func (a *app) sendCmd() *cobra.Command {
	var (
		chatID string
		model  string
		title  string
	)

	cmd := &cobra.Command{
		Use:   "send [flags] <message>",
		Short: "Send a message and wait for the reply",
		Long: `Send a message and wait for the assistant's reply. Without --chat a new
conversation is started. When the stream breaks, the reply is recovered
from the conversation's history.

Examples:
  chatsync send "What is the capital of France?"
  chatsync send --chat 3f2a... "And of Spain?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.send(ctx, chatID, title, model, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVar(&chatID, "chat", "", "conversation to send to (default starts a new one)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to answer with")
	cmd.Flags().StringVar(&title, "title", "", "title of a new conversation (default derived from the message)")
	return cmd
}

func (a *app) send(ctx context.Context, chatID, title, model, content string) error {
	c := cache.New()
	summaries := cache.NewSummaries()
	o := sender.New(a.api, a.session, c, summaries, a.logger,
		sender.WithStreamTimeout(a.cfg.StreamTimeout),
		sender.WithPollPolicy(a.cfg.PollPolicy()),
		sender.WithDefaultModel(a.cfg.Model))
	defer o.Close()

	var (
		h   *sender.Handle
		err error
	)
	if chatID == "" {
		h, err = o.StartConversation(ctx, title, content, model, sender.SendOptions{})
	} else {
		if err := o.Refresh(ctx, chatID); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		h, err = o.Send(ctx, chatID, content, sender.SendOptions{Model: model})
	}
	if err != nil {
		return err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		h.Cancel()
	}
	res := h.Result()

	fmt.Fprintf(a.out, "Conversation %s\n", h.ConversationID())
	printMessages(a.out, turn(c.List(h.ConversationID()), res))

	switch res.Outcome {
	case sender.OutcomeResolved:
		return nil
	case sender.OutcomePending:
		fmt.Fprintf(a.out, "The reply is still being generated; run `chatsync history %s` later.\n", h.ConversationID())
		return nil
	default:
		if res.Err != nil {
			return fmt.Errorf("%w (%s): %w", ErrSendFailed, res.Outcome, res.Err)
		}
		return fmt.Errorf("%w (%s)", ErrSendFailed, res.Outcome)
	}
}

// turn picks the messages of the send out of the conversation.
func turn(msgs []models.Message, res sender.Result) []models.Message {
	var out []models.Message
	for _, m := range msgs {
		if m.ID == res.UserID || m.ID == res.AssistantID {
			out = append(out, m)
		}
	}
	return out
}

func printMessages(w io.Writer, msgs []models.Message) {
	for _, m := range msgs {
		status := ""
		if m.Role == models.RoleAssistant && m.Status != "" && m.Status != models.StatusComplete {
			status = " (" + string(m.Status) + ")"
		}
		fmt.Fprintf(w, "[%s]%s %s\n", m.Role, status, m.Content)
	}
}
