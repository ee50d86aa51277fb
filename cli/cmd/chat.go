package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/instantcocoa/dorastudio/cli/internal/output"
	"github.com/instantcocoa/dorastudio/pkg/bridge"
	"github.com/instantcocoa/dorastudio/services/chat"
	"github.com/instantcocoa/dorastudio/services/studio"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat with the model about telemetry and dataflows",
	Long: `Send one prompt, or with no prompt read one prompt per line from stdin.
The model may list, start and stop dataflows and query traces while it
answers. Requires OPENAI_API_KEY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		conversation, err := conversationFlag(cmd)
		if err != nil {
			return err
		}
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			if !s.ChatEnabled() {
				return studio.ErrChatDisabled
			}
			if len(args) > 0 {
				_, err := sendTurn(ctx, cmd, s, chat.Turn{ConversationID: conversation, Prompt: strings.Join(args, " ")})
				return err
			}
			return chatLoop(ctx, cmd, s, conversation)
		})
	},
}

var chatHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			if !s.ChatEnabled() {
				return studio.ErrChatDisabled
			}
			convs, err := s.Engine().Store().List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list conversations: %w", err)
			}

			t := output.NewTable("ID", "MESSAGES", "UPDATED")
			for _, c := range convs {
				t.Append(c.ID.String(), fmt.Sprintf("%d", c.Messages), c.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return writer(cmd).PrintEither(convs, *t)
		})
	},
}

var chatShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid conversation id %q: %w", args[0], err)
		}
		return withStudio(cmd, func(ctx context.Context, s *studio.Studio) error {
			if !s.ChatEnabled() {
				return studio.ErrChatDisabled
			}
			msgs, err := s.Engine().Store().Messages(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to load conversation: %w", err)
			}
			if len(msgs) == 0 {
				return fmt.Errorf("conversation %s not found", id)
			}

			w := writer(cmd)
			if w.Structured() {
				return w.Print(msgs)
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				switch {
				case len(m.ToolCalls) > 0:
					for _, c := range m.ToolCalls {
						fmt.Fprintf(out, "%s: call %s(%s)\n", m.Role, c.Name, c.Arguments)
					}
				default:
					fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
				}
			}
			return nil
		})
	},
}

func init() {
	chatCmd.Flags().String("conversation", "", "Continue the conversation with this id")
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatShowCmd)
}

func conversationFlag(cmd *cobra.Command) (uuid.UUID, error) {
	raw, _ := cmd.Flags().GetString("conversation")
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --conversation %q: %w", raw, err)
	}
	return id, nil
}

// sendTurn runs one turn through the chat bridge and prints the answer.
func sendTurn(ctx context.Context, cmd *cobra.Command, s *studio.Studio, turn chat.Turn) (chat.Reply, error) {
	reply, err := roundTrip(ctx, s, func(apply func(bridge.Response[chat.Reply])) (bridge.CorrelationID, error) {
		return s.Chat("chat", turn, apply)
	})
	if err != nil {
		return reply, fmt.Errorf("chat turn failed: %w", err)
	}

	w := writer(cmd)
	if w.Structured() {
		return reply, w.Print(replyView(reply))
	}
	printReply(cmd.OutOrStdout(), reply)
	return reply, nil
}

func chatLoop(ctx context.Context, cmd *cobra.Command, s *studio.Studio, conversation uuid.UUID) error {
	in := bufio.NewScanner(cmd.InOrStdin())
	out := cmd.OutOrStdout()
	for {
		fmt.Fprint(out, "> ")
		if !in.Scan() {
			fmt.Fprintln(out)
			return in.Err()
		}
		prompt := strings.TrimSpace(in.Text())
		switch prompt {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		reply, err := sendTurn(ctx, cmd, s, chat.Turn{ConversationID: conversation, Prompt: prompt})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			output.Error(cmd.ErrOrStderr(), "%v", err)
			continue
		}
		conversation = reply.ConversationID
	}
}

type replyJSON struct {
	ConversationID string `json:"conversation_id" yaml:"conversation_id"`
	Content        string `json:"content" yaml:"content"`
	Rounds         int    `json:"rounds" yaml:"rounds"`
	ToolCalls      int    `json:"tool_calls" yaml:"tool_calls"`
	TotalTokens    int    `json:"total_tokens" yaml:"total_tokens"`
}

func replyView(r chat.Reply) replyJSON {
	return replyJSON{
		ConversationID: r.ConversationID.String(),
		Content:        r.Content,
		Rounds:         r.Rounds,
		ToolCalls:      r.ToolCalls,
		TotalTokens:    r.Usage.TotalTokens,
	}
}

func printReply(out io.Writer, r chat.Reply) {
	fmt.Fprintln(out, r.Content)
	if cfg != nil && cfg.Verbose {
		output.Info(out, "conversation %s, %d rounds, %d tool calls, %d tokens",
			r.ConversationID, r.Rounds, r.ToolCalls, r.Usage.TotalTokens)
	}
}
