package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tanq16/xfercore/internal/fileset"
	"github.com/tanq16/xfercore/internal/transfer"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "manage the persisted transfer queue",
	}
	cmd.AddCommand(newQueueGetCmd())
	cmd.AddCommand(newQueuePutCmd())
	cmd.AddCommand(newQueuePauseCmd(true))
	cmd.AddCommand(newQueuePauseCmd(false))
	cmd.AddCommand(newQueueMoveBeforeCmd())
	return cmd
}

func newQueueGetCmd() *cobra.Command {
	var size int64
	c := &cobra.Command{
		Use:   "get [URL or 6 comma-separated URLs] [LOCAL_PATH]",
		Short: "queue a direct-read download from one or six temp URLs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := loadQueue()
			if err != nil {
				return err
			}
			url, local := args[0], args[1]
			f := fileset.NewPlainFile(fileset.Download, local, local, fileset.RenameWithBracketedNumber)
			t := transfer.New(transfer.GET, local, transfer.Fingerprint{Size: size}, size, f)
			if err := t.SetTempURLs(strings.Split(url, ",")); err != nil {
				return err
			}
			tl.Append(t, false)
			if err := saveQueue(tl); err != nil {
				return err
			}
			fmt.Printf("queued GET %s -> %s (priority %d)\n", url, local, t.Priority)
			return nil
		},
	}
	c.Flags().Int64Var(&size, "size", 0, "expected object size in bytes")
	return c
}

func newQueuePutCmd() *cobra.Command {
	var size int64
	c := &cobra.Command{
		Use:   "put [LOCAL_PATH] [TARGET_URL]",
		Short: "queue an upload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := loadQueue()
			if err != nil {
				return err
			}
			local, target := args[0], args[1]
			f := fileset.NewPlainFile(fileset.Upload, local, target, fileset.RenameWithBracketedNumber)
			t := transfer.New(transfer.PUT, local, transfer.Fingerprint{Size: size}, size, f)
			if err := t.SetTempURLs([]string{target}); err != nil {
				return err
			}
			tl.Append(t, false)
			if err := saveQueue(tl); err != nil {
				return err
			}
			fmt.Printf("queued PUT %s -> %s (priority %d)\n", local, target, t.Priority)
			return nil
		},
	}
	c.Flags().Int64Var(&size, "size", 0, "local file size in bytes")
	return c
}

func newQueuePauseCmd(pause bool) *cobra.Command {
	use, short := "resume [INDEX]", "resume a queued transfer"
	if pause {
		use, short = "pause [INDEX]", "pause a queued transfer"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := loadQueue()
			if err != nil {
				return err
			}
			t, err := transferByIndex(tl, args[0])
			if err != nil {
				return err
			}
			tl.Pause(t, pause)
			if err := saveQueue(tl); err != nil {
				return err
			}
			fmt.Printf("%s transfer %s\n", map[bool]string{true: "paused", false: "resumed"}[pause], t.LocalFilename)
			return nil
		},
	}
}

func newQueueMoveBeforeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move-before [INDEX] [ANCHOR_INDEX]",
		Short: "reprioritize a queued transfer ahead of another (same direction)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := loadQueue()
			if err != nil {
				return err
			}
			t, err := transferByIndex(tl, args[0])
			if err != nil {
				return err
			}
			anchor, err := transferByIndex(tl, args[1])
			if err != nil {
				return err
			}
			if err := tl.MoveBefore(t, anchor); err != nil {
				return err
			}
			return saveQueue(tl)
		},
	}
}

// transferByIndex resolves an "index" argument of the form "GET:3" or
// "PUT:0" against the current combined listing order (see list.go).
func transferByIndex(tl interface {
	Sequence(transfer.Direction) []*transfer.Transfer
}, arg string) (*transfer.Transfer, error) {
	dir := transfer.GET
	numStr := arg
	if len(arg) > 4 && arg[:4] == "PUT:" {
		dir = transfer.PUT
		numStr = arg[4:]
	} else if len(arg) > 4 && arg[:4] == "GET:" {
		numStr = arg[4:]
	}
	idx, err := strconv.Atoi(numStr)
	if err != nil {
		return nil, fmt.Errorf("invalid index %q, expected e.g. GET:0 or PUT:2", arg)
	}
	seq := tl.Sequence(dir)
	if idx < 0 || idx >= len(seq) {
		return nil, fmt.Errorf("index %d out of range for %d transfers", idx, len(seq))
	}
	return seq[idx], nil
}
