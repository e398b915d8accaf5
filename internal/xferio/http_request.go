package xferio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tanq16/xfercore/internal/xlog"
)

var log = xlog.Get("xferio")

// HTTPRequest is the default net/http-backed RangedRequest, grounded on the
// teacher's downloadSingleChunk (internal/downloaders/http
// /multi-chunk-handlers.go): it issues a Range GET, validates
// StatusPartialContent + Content-Range, and streams the body incrementally
// into the shared input buffer instead of writing straight to a file, since
// the RAID buffer manager — not this request — owns placement.
type HTTPRequest struct {
	baseRequest
	client *http.Client
	cancel context.CancelFunc
}

func NewHTTPRequest(client *http.Client) *HTTPRequest {
	return &HTTPRequest{client: client}
}

func (r *HTTPRequest) Post(from, to int64) error {
	r.mu.Lock()
	r.status = ReqInflight
	r.postStart = time.Now()
	r.buf = r.buf[:0]
	url := r.postURL
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	go r.fetch(ctx, url, from, to)
	return nil
}

func (r *HTTPRequest) fetch(ctx context.Context, url string, from, to int64) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.fail(0, err)
		return
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, to-1))

	resp, err := r.client.Do(req)
	if err != nil {
		r.fail(0, err)
		return
	}
	defer resp.Body.Close()

	r.mu.Lock()
	r.httpStatus = resp.StatusCode
	r.mu.Unlock()

	if resp.StatusCode == 509 {
		// bandwidth-overquota sentinel (spec.md §4.5 step 5)
		r.setStatus(ReqFailure)
		return
	}
	if resp.StatusCode != http.StatusPartialContent {
		r.setStatus(ReqFailure)
		return
	}
	if resp.Header.Get("Content-Range") == "" {
		r.setStatus(ReqFailure)
		return
	}

	r.mu.Lock()
	r.contentLength = resp.ContentLength
	r.mu.Unlock()

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			r.appendData(buf[:n])
		}
		if rerr == io.EOF {
			r.setStatus(ReqSuccess)
			return
		}
		if rerr != nil {
			r.fail(resp.StatusCode, rerr)
			return
		}
	}
}

func (r *HTTPRequest) fail(httpStatus int, err error) {
	r.mu.Lock()
	if httpStatus != 0 {
		r.httpStatus = httpStatus
	}
	r.err = err
	r.mu.Unlock()
	r.setStatus(ReqFailure)
	log.Debug().Err(err).Msg("ranged request failed")
}

func (r *HTTPRequest) Disconnect() {
	if r.cancel != nil {
		r.cancel()
	}
	r.setStatus(ReqReady)
}
