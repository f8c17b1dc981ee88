package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/support-agent/sagent/agent"
	"github.com/ZanzyTHEbar/support-agent/sagent/events"
)

type chatOptions struct {
	conversation string
	user         string
	kb           string
	quiet        bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	o := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the agent interactively",
		Long:  "chat reads one message per line and prints the agent's reply. A turn left unfinished by an earlier run is completed first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := wireApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close()

			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			if o.kb != "" {
				n, err := loadKB(ctx, a.rt.Retriever, o.kb)
				if err != nil {
					return err
				}
				fmt.Fprintf(stderr, "loaded %d knowledge-base chunks\n", n)
			}
			if o.conversation == "" {
				o.conversation = uuid.NewString()
			}
			if !o.quiet && a.rt.Bus != nil {
				evs, err := a.rt.Bus.Subscribe(ctx)
				if err != nil {
					return err
				}
				go printProgress(stderr, o.conversation, evs)
			}

			out, err := a.rt.Engine.Advance(ctx, o.conversation, nil)
			switch {
			case errors.Is(err, agent.ErrNoInput):
			case err != nil:
				return err
			case !out.Replayed:
				printOutcome(stdout, out)
			}

			fmt.Fprintf(stderr, "conversation %s (empty line or ctrl-d to quit)\n", o.conversation)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(stdout, "> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					break
				}
				out, err := a.rt.Engine.Advance(ctx, o.conversation, &agent.Input{
					UserID:    o.user,
					Message:   line,
					MessageID: uuid.NewString(),
				})
				if err != nil {
					return err
				}
				printOutcome(stdout, out)
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVar(&o.conversation, "conversation", "", "conversation id (default: a new one)")
	cmd.Flags().StringVar(&o.user, "user", "user_123", "authenticated user id")
	cmd.Flags().StringVar(&o.kb, "kb", "", "JSONL file of pre-embedded chunks to index before chatting")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "do not print progress events")
	return cmd
}

func printOutcome(w io.Writer, out *agent.Outcome) {
	fmt.Fprintln(w, out.Response)
	if out.Failure != nil {
		fmt.Fprintf(w, "  [%s] %s\n", out.Failure.Kind, out.Failure.Reason)
	}
	if out.Escalate {
		fmt.Fprintln(w, "  (handed to a human agent)")
	}
}

func printProgress(w io.Writer, conversationID string, evs <-chan events.Event) {
	for ev := range evs {
		if ev.ConversationID != conversationID {
			continue
		}
		switch ev.Type {
		case events.TypeTransition:
			if ev.Tool != "" && ev.To == "acting" {
				fmt.Fprintf(w, "  . %s (%s)\n", ev.To, ev.Tool)
				continue
			}
			fmt.Fprintf(w, "  . %s\n", ev.To)
		case events.TypeToolCall:
			status := "ok"
			if ev.ToolOK != nil && !*ev.ToolOK {
				status = "failed: " + ev.FailureKind
			}
			fmt.Fprintf(w, "  . %s %s\n", ev.Tool, status)
		}
	}
}
