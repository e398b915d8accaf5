package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tanq16/xfercore/internal/xlog"
)

var (
	connections   int
	timeout       time.Duration
	kaTimeout     time.Duration
	proxyURL      string
	proxyUsername string
	proxyPassword string
	debug         bool
	minSpeed      int64
	s3Profile     string
	s3Bucket      string
	nodeAPIURL    string
)

var rootCmd = &cobra.Command{
	Use:     "xferctl",
	Short:   "xferctl is a RAID-aware transfer engine control CLI",
	Version: "dev",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		xlog.Init(debug)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntVarP(&connections, "connections", "c", 6, "connections per direct read (above 5 enables large socket buffers; RAID mode follows from giving six URLs)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Minute, "connection timeout (e.g. 5s, 10m)")
	rootCmd.PersistentFlags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "keep-alive timeout")
	rootCmd.PersistentFlags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL")
	rootCmd.PersistentFlags().StringVar(&proxyUsername, "proxy-username", "", "proxy username")
	rootCmd.PersistentFlags().StringVar(&proxyPassword, "proxy-password", "", "proxy password")
	rootCmd.PersistentFlags().Int64Var(&minSpeed, "min-speed", 8*1024, "minimum acceptable connection throughput in bytes/sec")
	rootCmd.PersistentFlags().StringVar(&s3Profile, "s3-profile", "default", "AWS shared config profile for s3:// sources")
	rootCmd.PersistentFlags().StringVar(&s3Bucket, "s3-bucket", "", "if set, read/run fetch through an S3 GetObject transport instead of plain HTTP (implies a single connection, no RAID)")
	rootCmd.PersistentFlags().StringVar(&nodeAPIURL, "node-api-url", "", "base URL of the fresh-temp-URL command endpoint; if set, run refreshes expired node URLs through it")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newRunCmd())
}
