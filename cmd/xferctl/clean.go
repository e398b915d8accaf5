package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tanq16/xfercore/internal/xlog"
)

var cleanLog = xlog.Get("clean")

// cleanTempDir removes the .xfer-temp scratch directory next to
// outputPath, mirroring the teacher's CleanFunction (internal/utils
// /functions.go): remove any partial/part files under the tool's temp
// prefix, then remove the directory itself if left empty.
func cleanTempDir(outputPath string) error {
	tempDir := filepath.Join(filepath.Dir(outputPath), ".xfer-temp")
	files, err := os.ReadDir(tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	partPrefix := filepath.Base(outputPath) + ".part"
	for _, file := range files {
		p := filepath.Join(tempDir, file.Name())
		if strings.HasPrefix(file.Name(), partPrefix) {
			if err := os.RemoveAll(p); err != nil {
				return err
			}
		}
	}
	remaining, err := os.ReadDir(tempDir)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return os.Remove(tempDir)
	}
	return nil
}

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [PATH]",
		Short: "clean up orphaned temporary chunk files",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			if err := cleanTempDir(target); err != nil {
				cleanLog.Error().Err(err).Msg("cleanup failed")
				return err
			}
			cleanLog.Info().Str("path", target).Msg("temporary files cleaned")
			return nil
		},
	}
}
