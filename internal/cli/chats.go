package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			chats, err := a.api.ListConversations(cmd.Context())
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(chats) == 0 {
				fmt.Fprintln(a.out, "No conversations.")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tLAST ACTIVITY")
			for _, c := range chats {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.Title, c.MessageCount, c.LastMessageAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the messages of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := a.api.FetchHistory(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("fetch history: %w", err)
			}
			printMessages(a.out, msgs)
			return nil
		},
	}
}

func (a *app) newCmd() *cobra.Command {
	var (
		title string
		model string
	)

	cmd := &cobra.Command{
		Use:   "new [flags] [initial message]",
		Short: "Create a conversation",
		Long: `Create a conversation on the server and print its id. An initial message is
stored and answered in the background; read the reply with history.

Examples:
  chatsync new --title "Trip planning"
  chatsync new "Suggest a name for my cat"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			initial := strings.TrimSpace(strings.Join(args, " "))
			if title == "" && initial == "" {
				return errors.New("a title or an initial message is required")
			}
			if model == "" {
				model = a.cfg.Model
			}

			sum, err := a.api.CreateConversation(cmd.Context(), title, initial, model)
			if err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			fmt.Fprintf(a.out, "Conversation %s\n", sum.ID)
			fmt.Fprintf(a.out, "Title: %s\n", sum.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "conversation title (default derived from the initial message)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to answer with")
	return cmd
}
