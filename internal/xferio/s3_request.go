package xferio

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Request is an alternate RangedRequest backend that fetches byte ranges
// directly from an S3-compatible bucket, exercising aws-sdk-go-v2's S3
// client as one pluggable transport alongside HTTPRequest. PostURL here
// encodes an object key (optionally prefixed "s3://bucket/") rather than a
// full HTTP URL; adjustURLPort-style rewriting doesn't apply to this
// transport.
type S3Request struct {
	baseRequest
	client *s3.Client
	bucket string
	key    string
	cancel context.CancelFunc
}

func NewS3Request(client *s3.Client, bucket, key string) *S3Request {
	return &S3Request{client: client, bucket: bucket, key: key}
}

// SetPostURL overrides baseRequest's plain field store: a slot driving
// several queued transfers through one shared requestMaker reassigns the
// object key per transfer this way, since the bucket+key pair S3Request
// was constructed with is otherwise fixed for its whole lifetime.
func (r *S3Request) SetPostURL(u string) {
	r.baseRequest.SetPostURL(u)
	key := u
	if rest, ok := strings.CutPrefix(u, "s3://"); ok {
		if _, k, found := strings.Cut(rest, "/"); found {
			key = k
		}
	}
	r.mu.Lock()
	r.key = key
	r.mu.Unlock()
}

func (r *S3Request) Post(from, to int64) error {
	r.mu.Lock()
	r.status = ReqInflight
	r.postStart = time.Now()
	r.buf = r.buf[:0]
	bucket, key := r.bucket, r.key
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.fetch(ctx, bucket, key, from, to)
	return nil
}

func (r *S3Request) fetch(ctx context.Context, bucket, key string, from, to int64) {
	rangeHdr := fmt.Sprintf("bytes=%d-%d", from, to-1)
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Range:  &rangeHdr,
	})
	if err != nil {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		r.setStatus(ReqFailure)
		return
	}
	defer out.Body.Close()

	r.mu.Lock()
	if out.ContentLength != nil {
		r.contentLength = *out.ContentLength
	}
	if out.ContentRange != nil {
		r.httpStatus = 206
	}
	r.mu.Unlock()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, rerr := out.Body.Read(buf)
		if n > 0 {
			r.appendData(buf[:n])
		}
		if rerr == io.EOF {
			r.setStatus(ReqSuccess)
			return
		}
		if rerr != nil {
			r.mu.Lock()
			r.err = rerr
			r.mu.Unlock()
			r.setStatus(ReqFailure)
			return
		}
	}
}

func (r *S3Request) Disconnect() {
	if r.cancel != nil {
		r.cancel()
	}
	r.setStatus(ReqReady)
}
