package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/tanq16/xfercore/internal/display"
	"github.com/tanq16/xfercore/internal/engine"
	"github.com/tanq16/xfercore/internal/nodeapi"
	"github.com/tanq16/xfercore/internal/transfer"
	"github.com/tanq16/xfercore/internal/xferio"
)

func newRunCmd() *cobra.Command {
	var maxLarge, maxSmall int
	var showBoard bool
	c := &cobra.Command{
		Use:   "run",
		Short: "dispatch the persisted queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := loadQueue()
			if err != nil {
				return err
			}

			requestMaker, err := buildRequestMaker()
			if err != nil {
				return err
			}
			eng := engine.New(engine.Config{
				MaxLargeConcurrent: maxLarge,
				MaxSmallConcurrent: maxSmall,
				MinSpeedBytesPerS:  float64(minSpeed),
			}, requestMaker)
			eng.Transfers = tl
			if nodeAPIURL != "" {
				client := nodeapi.New(context.Background(), nodeAPIURL, nil, nil)
				eng.SetURLFetcher(client.FetchURLs)
			}

			board := display.NewBoard()
			stop := make(chan struct{})
			if showBoard {
				go board.RunTicker(300*time.Millisecond, stop)
			}

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					close(stop)
					if err := saveQueue(tl); err != nil {
						return err
					}
					fmt.Println("queue saved, exiting")
					return nil
				case <-ticker.C:
					activated := eng.DispatchNext(time.Now())
					for _, t := range activated {
						board.Register(display.LabelForTransfer(t), display.LabelForTransfer(t), t.Size)
						if t.Direction == transfer.GET {
							if err := eng.StartTransferDownload(t); err != nil {
								fmt.Fprintf(os.Stderr, "starting download of %s: %v\n", t.LocalFilename, err)
							}
						}
					}
					eng.DispatchReadCommands(ctx)
					eng.Step(eng.DefaultRetryWhole)
				}
			}
		},
	}
	c.Flags().IntVar(&maxLarge, "max-large", 4, "max concurrent large-file transfers per direction")
	c.Flags().IntVar(&maxSmall, "max-small", 8, "max concurrent small-file transfers per direction")
	c.Flags().BoolVar(&showBoard, "board", true, "render the live status board")
	return c
}

// buildRequestMaker picks the RangedRequest transport run dispatches
// through: an S3 GetObject client when --s3-bucket names a bucket every
// queued GET transfer's temp URL is treated as a key within, or the plain
// HTTP transport otherwise.
func buildRequestMaker() (func(idx int) xferio.RangedRequest, error) {
	if s3Bucket == "" {
		httpClient := xferio.NewHTTPClient(xferio.ClientConfig{
			Timeout:        timeout,
			KeepAlive:      kaTimeout,
			ProxyURL:       proxyURL,
			ProxyUsername:  proxyUsername,
			ProxyPassword:  proxyPassword,
			HighThreadMode: connections > 5,
		})
		return func(idx int) xferio.RangedRequest {
			return xferio.NewHTTPRequest(httpClient)
		}, nil
	}

	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithSharedConfigProfile(s3Profile))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for profile %q: %w", s3Profile, err)
	}
	client := s3.NewFromConfig(cfg)
	return func(idx int) xferio.RangedRequest {
		return xferio.NewS3Request(client, s3Bucket, "")
	}, nil
}
