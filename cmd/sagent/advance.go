package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/support-agent/sagent/agent"
)

type advanceOptions struct {
	conversation string
	user         string
	message      string
	messageID    string
}

func newAdvanceCmd(root *rootOptions) *cobra.Command {
	o := &advanceOptions{}
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance a conversation by one message, or resume it",
		Long:  "advance sends one message and prints the outcome as JSON. Without --message it resumes the turn in flight or replays the last outcome.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.conversation == "" {
				return fmt.Errorf("--conversation is required")
			}
			a, err := wireApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			var in *agent.Input
			if o.message != "" {
				in = &agent.Input{UserID: o.user, Message: o.message, MessageID: o.messageID}
			}
			out, err := a.rt.Engine.Advance(cmd.Context(), o.conversation, in)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&o.conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&o.user, "user", "user_123", "authenticated user id")
	cmd.Flags().StringVar(&o.message, "message", "", "user message; omit to resume")
	cmd.Flags().StringVar(&o.messageID, "message-id", "", "client message id, makes redelivery safe")
	return cmd
}
