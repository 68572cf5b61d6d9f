// Package fetch implements Crystal's Download Pipeline (§4.4): an HTTP
// client wrapped with an aggregate-rate limiter and stats, a revision-body
// writer wired to the Project Store, and a concrete task.Executor that
// drives the scheduler's DownloadResourceBody/ParseLinks/UpdateGroupMembers
// operations.
package fetch

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/crystalarchiver/crystal/internal/crystalerr"
)

var debugFetch = os.Getenv("CRYSTAL_DEBUG_FETCH") != ""
var debugRate = os.Getenv("CRYSTAL_DEBUG_RATE") != ""

// ClientOptions configures the Client.
type ClientOptions struct {
	UserAgent      string
	CookieHeader   string
	ConnectTimeout time.Duration
	StallTimeout   time.Duration
	MaxRate        rate.Limit
	StatsEnabled   bool
}

// Client performs rate-limited HTTP GETs for the download pipeline,
// grounded on internal/api/client.go's Client: a *http.Client, a
// rate.Limiter, and a stats recorder, with the same debug-env-var gating
// (CRYSTAL_DEBUG_FETCH/CRYSTAL_DEBUG_RATE in place of
// LINEARFS_DEBUG_API/LINEARFS_DEBUG_RATE).
type Client struct {
	opts       ClientOptions
	httpClient *http.Client
	limiter    *rate.Limiter
	stats      *Stats
}

// NewClient builds a Client. A MaxRate <= 0 defaults to 2 items/sec, an
// unset ConnectTimeout defaults to 10s per §4.4 step 2.
func NewClient(opts ClientOptions) *Client {
	if opts.MaxRate <= 0 {
		opts.MaxRate = 2
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Crystal/1.0"
	}

	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: 0}, // per-request deadline applied via context
		limiter:    rate.NewLimiter(opts.MaxRate, 1),
		stats:      NewStats(opts.StatsEnabled),
	}
}

// Close releases the client's background stats logger.
func (c *Client) Close() {
	c.stats.Close()
}

// Stats returns the client's fetch stats tracker for external inspection
// (the pipeline records every fetch through it).
func (c *Client) Stats() *Stats {
	return c.stats
}

// Response is the result of a successful fetch: the body stream (caller
// must close it) and captured metadata.
type Response struct {
	Body         io.ReadCloser
	StatusCode   int
	ReasonPhrase string
	Proto        string
	Headers      [][2]string
	Date         time.Time // origin Date, or auto-populated if absent (§4.4 step 3)
}

// Get performs an aggregate-rate-limited GET of rawURL, bounding the wait
// for response headers by the connect timeout and returning a streaming
// Response on success. Callers are responsible for closing the body and for
// aborting a transfer that stalls (io.Copy over a context-bound reader does
// not have a stall concept; the pipeline wraps the body in a stallGuard,
// which cancels the request context after StallTimeout without progress).
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	if debugRate {
		reservation := c.limiter.Reserve()
		delay := reservation.Delay()
		if delay > time.Millisecond {
			log.Printf("[fetch ratelimit] debug: %s reservation delay %v", rawURL, delay)
		}
		reservation.Cancel()
	}

	waitStart := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, crystalerr.New("fetch.Get", crystalerr.Cancelled, err)
	}
	if wait := time.Since(waitStart); wait > time.Millisecond {
		c.stats.RecordRateLimitWait(wait)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, crystalerr.New("fetch.Get", crystalerr.DownloadNetwork, err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if c.opts.CookieHeader != "" {
		req.Header.Set("Cookie", c.opts.CookieHeader)
	}

	if debugFetch {
		log.Printf("[fetch] GET %s", rawURL)
	}

	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := c.httpClient.Do(req)
		ch <- result{resp, err}
	}()

	var httpResp *http.Response
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, classifyTransportErr(r.err)
		}
		httpResp = r.resp
	case <-connectCtx.Done():
		return nil, crystalerr.New("fetch.Get", crystalerr.DownloadTimeout, connectCtx.Err())
	}

	headers := make([][2]string, 0, len(httpResp.Header))
	for k, vs := range httpResp.Header {
		for _, v := range vs {
			headers = append(headers, [2]string{k, v})
		}
	}

	date := time.Now().UTC()
	if dh := httpResp.Header.Get("Date"); dh != "" {
		if parsed, err := http.ParseTime(dh); err == nil {
			date = parsed
		}
	}

	return &Response{
		Body:         httpResp.Body,
		StatusCode:   httpResp.StatusCode,
		ReasonPhrase: httpResp.Status,
		Proto:        httpResp.Proto,
		Headers:      headers,
		Date:         date,
	}, nil
}

func classifyTransportErr(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return crystalerr.New("fetch.Get", crystalerr.DownloadTLS, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return crystalerr.New("fetch.Get", crystalerr.DownloadTimeout, err)
	default:
		return crystalerr.New("fetch.Get", crystalerr.DownloadNetwork, err)
	}
}

// httpStatusErrorKind classifies a 4xx/5xx response for the revision error
// column (§4.4 error taxonomy). 2xx/3xx are not errors.
func httpStatusErrorKind(statusCode int) (crystalerr.Kind, bool) {
	if statusCode >= 400 {
		return crystalerr.DownloadHTTP, true
	}
	return crystalerr.Unknown, false
}
