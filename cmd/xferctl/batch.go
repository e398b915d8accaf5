package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/xfercore/internal/batch"
)

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "queue every entry in a YAML batch import file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := batch.ReadFile(args[0])
			if err != nil {
				return err
			}
			tl, err := loadQueue()
			if err != nil {
				return err
			}
			added, err := batch.Apply(tl, entries)
			if err != nil {
				return err
			}
			if err := saveQueue(tl); err != nil {
				return err
			}
			fmt.Printf("queued %d transfers from %s\n", len(added), args[0])
			return nil
		},
	}
}
