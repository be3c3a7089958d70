package cmd

import (
	"context"
	"fmt"

	"github.com/chrisvdg/cssoptm/optm"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:          "clear",
	Short:        "Remove generated artifacts",
	Long:         `Remove every critical and unused css artifact and reset the queues, or only empty one queue with --queue.`,
	Args:         cobra.NoArgs,
	RunE:         runClear,
	SilenceUsage: true,
}

func init() {
	clearCmd.Flags().String("queue", "", "Only empty the given queue (ccss or ucss)")
}

func runClear(cmd *cobra.Command, args []string) error {
	queue, _ := cmd.Flags().GetString("queue")
	var action string
	switch queue {
	case "":
	case "ccss":
		action = optm.ActionClearCritical
	case "ucss":
		action = optm.ActionClearUnused
	default:
		return errors.Errorf("unknown queue %q", queue)
	}

	s, err := loadServer(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if action != "" {
		err = s.Service().Action(context.Background(), action)
	} else {
		err = s.Service().ClearFolders()
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "cleared")

	return nil
}
