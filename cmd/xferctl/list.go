package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/xfercore/internal/transfer"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list the persisted transfer queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := loadQueue()
			if err != nil {
				return err
			}
			for _, dir := range []transfer.Direction{transfer.PUT, transfer.GET} {
				seq := tl.Sequence(dir)
				for i, t := range seq {
					t.RefreshProgress()
					fmt.Printf("%s:%d  %-8s  %-40s  %d/%d bytes  prio=%d\n",
						dir.String(), i, t.State.String(), t.LocalFilename,
						t.ProgressCompleted, t.Size, t.Priority)
				}
			}
			return nil
		},
	}
}
