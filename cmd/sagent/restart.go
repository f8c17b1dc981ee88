package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRestartCmd(root *rootOptions) *cobra.Command {
	var conversation string
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Start a conversation over after a corrupt checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if conversation == "" {
				return fmt.Errorf("--conversation is required")
			}
			a, err := wireApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close()

			seq, err := a.rt.Engine.Restart(cmd.Context(), conversation)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s restarted at seq %d\n", conversation, seq)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	return cmd
}
