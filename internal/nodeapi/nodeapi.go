// Package nodeapi is the out-of-band "fresh temp URL" command client
// (spec.md §4.4 "DirectReadNode obtains fresh temp URLs via an out-of-band
// command"). It is modeled as an OAuth2-authenticated metadata-service
// call, the shape the domain-stack wiring in SPEC_FULL.md assigns to
// golang.org/x/oauth2.
package nodeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tanq16/xfercore/internal/directread"
	"github.com/tanq16/xfercore/internal/xlog"
)

var log = xlog.Get("nodeapi")

// Client requests fresh temp URLs for a node; its FetchURLs method has the
// engine.URLFetchFunc shape the engine calls after DirectReadNode.Dispatch.
type Client struct {
	http    *http.Client
	baseURL string
}

// New builds a client whose requests carry OAuth2 tokens from
// cfg.TokenSource over the given token, analogous to how the teacher wires
// proxy/auth options into its HTTP client config. When cfg or token is nil
// it uses http.DefaultClient without authentication.
func New(ctx context.Context, baseURL string, cfg *oauth2.Config, token *oauth2.Token) *Client {
	var hc *http.Client
	if cfg != nil && token != nil {
		hc = oauth2.NewClient(ctx, cfg.TokenSource(ctx, token))
	} else {
		hc = http.DefaultClient
	}
	return &Client{http: hc, baseURL: baseURL}
}

type urlResponse struct {
	URLs []string `json:"urls"`
}

// FetchURLs issues the fresh-URL command for a node key, returning ok and
// the URLs on success. The engine calls it synchronously from
// DispatchReadCommands and reports the outcome to DirectReadNode.CmdResult.
func (c *Client) FetchURLs(ctx context.Context, key directread.NodeKey) (ok bool, urls []string, err error) {
	url := fmt.Sprintf("%s/nodes/%s/tempurls?private=%t", c.baseURL, key.Handle, key.IsPrivate)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("handle", key.Handle).Msg("temp url command failed")
		return false, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil, fmt.Errorf("nodeapi: unexpected status %d", resp.StatusCode)
	}
	var out urlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, nil, err
	}
	if len(out.URLs) != 0 && len(out.URLs) != 1 && len(out.URLs) != 6 {
		return false, nil, fmt.Errorf("nodeapi: unexpected url count %d", len(out.URLs))
	}
	return true, out.URLs, nil
}

// ExpiryFromNow derives the URL-expiry timestamp the engine records
// globally (spec.md §5 "global URL expiry timestamp").
func ExpiryFromNow(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = directread.TempURLTimeout
	}
	return time.Now().Add(ttl)
}
