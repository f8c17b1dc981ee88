package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/support-agent/sagent/agent"
	"github.com/ZanzyTHEbar/support-agent/sagent/checkpoint"
)

func newInspectCmd(root *rootOptions) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the checkpoint log of a conversation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if conversation == "" {
				return fmt.Errorf("--conversation is required")
			}
			a, err := wireApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			cps, err := a.rt.Store.List(cmd.Context(), conversation)
			if err != nil {
				return err
			}
			if len(cps) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no checkpoints for %s\n", conversation)
				return nil
			}
			return writeLog(cmd.OutOrStdout(), cps)
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	return cmd
}

func writeLog(w io.Writer, cps []*checkpoint.Checkpoint) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTATE\tCREATED\tTURNS\tDETAIL")
	for _, cp := range cps {
		turns, detail := describe(cp)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", cp.Seq, cp.State, cp.CreatedAt.Format(time.RFC3339), turns, detail)
	}
	return tw.Flush()
}

// describe summarises a checkpoint payload for the log table.
func describe(cp *checkpoint.Checkpoint) (turns, detail string) {
	if err := cp.Validate(); err != nil {
		return "-", "invalid: " + err.Error()
	}
	var conv agent.Conversation
	if err := json.Unmarshal(cp.Payload, &conv); err != nil {
		return "-", "undecodable payload"
	}
	turns = fmt.Sprint(len(conv.Turns))

	switch {
	case cp.State == checkpoint.StateActing && conv.Scratch != nil && conv.Scratch.Pending != nil:
		p := conv.Scratch.Pending
		return turns, fmt.Sprintf("%s %s key=%.12s", p.Tool, p.Args, p.Key)
	case cp.State.Terminal() && len(conv.Turns) > 0:
		t := conv.Turns[len(conv.Turns)-1]
		if t.Failure != nil {
			return turns, fmt.Sprintf("%s: %s", t.Failure.Kind, t.Failure.Reason)
		}
		return turns, truncate(t.Response, 60)
	case conv.Scratch != nil:
		return turns, truncate(conv.Scratch.UserMessage, 60)
	}
	return turns, ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
