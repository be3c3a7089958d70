package cmd

import (
	"context"
	"fmt"

	"github.com/chrisvdg/cssoptm/cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:          "generate [ccss|ucss]",
	Short:        "Drain a generation queue",
	Long:         `Process queued generation jobs. Without --all a single batch is handled.`,
	Args:         cobra.ExactArgs(1),
	RunE:         runGenerate,
	SilenceUsage: true,
}

func init() {
	generateCmd.Flags().Bool("all", false, "Keep draining until the queue is empty")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	t := cache.ArtifactType(args[0])
	if !t.Queued() {
		return errors.Errorf("unknown queue %q", args[0])
	}
	all, _ := cmd.Flags().GetBool("all")

	s, err := loadServer(cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	w := s.Worker()
	pending := s.Service().Pending(t)
	for {
		err = w.Drain(context.Background(), t, true)
		if err != nil {
			return err
		}
		left := s.Service().Pending(t)
		log.Debugf("[%s] %d jobs left", t, left)
		// no progress means the drain stopped on quota
		done := !all || left == 0 || left >= pending
		pending = left
		if done {
			break
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d %s jobs pending\n", pending, t)

	return nil
}
