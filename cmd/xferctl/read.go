package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/tanq16/xfercore/internal/directread"
	"github.com/tanq16/xfercore/internal/directreadslot"
	"github.com/tanq16/xfercore/internal/xfererr"
	"github.com/tanq16/xfercore/internal/xferio"
)

func newReadCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "read [URL_OR_6_COMMA_URLS] [OFFSET] [COUNT]",
		Short: "stream a byte range to stdout, RAID-striped if 6 URLs are given",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offset: %w", err)
			}
			count, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid count: %w", err)
			}
			return runDirectRead(args[0], offset, count)
		},
	}
	return c
}

func runDirectRead(urlSpec string, offset, count int64) error {
	if s3Bucket != "" {
		return runDirectReadS3(urlSpec, offset, count)
	}

	urls := strings.Split(urlSpec, ",")
	raid := len(urls) == 6

	httpClient := xferio.NewHTTPClient(xferio.ClientConfig{
		Timeout:        timeout,
		KeepAlive:      kaTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  proxyUsername,
		ProxyPassword:  proxyPassword,
		HighThreadMode: connections > 5,
	})
	requestMaker := func(idx int) xferio.RangedRequest {
		return xferio.NewHTTPRequest(httpClient)
	}

	node := directread.NewNode(directread.NodeKey{Handle: urlSpec}, offset+count)
	node.TempURLs = urls

	done := make(chan error, 1)
	var written int64
	cb := directread.Callback{
		Data: func(buf []byte, off int64, inst, mean float64) bool {
			if _, err := os.Stdout.Write(buf); err != nil {
				done <- err
				return false
			}
			written += int64(len(buf))
			if written >= count {
				done <- nil
				return false
			}
			return true
		},
		Failure: func(err *xfererr.Error, retryCount int, timeLeft time.Duration) time.Duration {
			done <- err
			return 0
		},
		IsValid: func() bool { return true },
	}
	r := node.Enqueue(offset, count, cb)

	buffer := xferio.NewSixWayRaidBuffer()
	if raid {
		var arr [xferio.RaidParts]string
		copy(arr[:], urls)
		buffer.SetIsRaid(arr, offset, offset+count, offset+count, 256*1024, false)
	} else {
		buffer.SetSingle(urls[0], offset, offset+count, offset+count, 256*1024)
	}

	slot := directreadslot.New(r, raid, buffer, requestMaker, func(u string) string { return u })
	slot.SetMinSpeed(float64(minSpeed))

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			slot.Doio(func(err *xfererr.Error) {
				select {
				case done <- err:
				default:
				}
			})
		}
	}
}

// runDirectReadS3 fetches a byte range straight from an S3-compatible
// bucket via xferio.S3Request, exercising it as an alternate RangedRequest
// transport (spec.md §6) alongside the plain-HTTP path above. RAID striping
// doesn't apply to a single object, so this is always single-connection.
func runDirectReadS3(key string, offset, count int64) error {
	if strings.Contains(key, ",") {
		return fmt.Errorf("--s3-bucket takes a single object key, not 6 comma-separated URLs")
	}

	ctx := context.Background()
	cfg, err := config.LoadDefaultConfig(ctx, config.WithSharedConfigProfile(s3Profile))
	if err != nil {
		return fmt.Errorf("loading AWS config for profile %q: %w", s3Profile, err)
	}
	client := s3.NewFromConfig(cfg)
	requestMaker := func(idx int) xferio.RangedRequest {
		return xferio.NewS3Request(client, s3Bucket, key)
	}

	node := directread.NewNode(directread.NodeKey{Handle: s3Bucket + "/" + key}, offset+count)
	node.TempURLs = []string{fmt.Sprintf("s3://%s/%s", s3Bucket, key)}

	done := make(chan error, 1)
	var written int64
	cb := directread.Callback{
		Data: func(buf []byte, off int64, inst, mean float64) bool {
			if _, err := os.Stdout.Write(buf); err != nil {
				done <- err
				return false
			}
			written += int64(len(buf))
			if written >= count {
				done <- nil
				return false
			}
			return true
		},
		Failure: func(err *xfererr.Error, retryCount int, timeLeft time.Duration) time.Duration {
			done <- err
			return 0
		},
		IsValid: func() bool { return true },
	}
	r := node.Enqueue(offset, count, cb)

	buffer := xferio.NewSixWayRaidBuffer()
	buffer.SetSingle(node.TempURLs[0], offset, offset+count, offset+count, 256*1024)

	slot := directreadslot.New(r, false, buffer, requestMaker, func(u string) string { return u })
	slot.SetMinSpeed(float64(minSpeed))

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			slot.Doio(func(err *xfererr.Error) {
				select {
				case done <- err:
				default:
				}
			})
		}
	}
}
