package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
)

const userAgent = "TurboGet/1.0"

type httpSource struct {
	url    string
	client *http.Client
}

// statusError marks a response the transfer cannot use. It counts as an
// attempt failure and feeds the chunk retry loop.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.code) + " " + http.StatusText(e.code)
}

func (s *httpSource) newRequest(ctx context.Context, method string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("User-Agent", userAgent)
	// Explicit Accept-Encoding keeps the transport from transparently
	// decoding; the destination stores the bytes exactly as served.
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
	return req, nil
}

// Probe issues a HEAD with a degenerate one-byte range, following redirects.
// Range support requires Accept-Ranges to be present and not "none"; resume
// support only requires the header's presence. The total size comes from the
// value after the final "/" of Content-Range, falling back to
// Content-Length, falling back to 0 for streams of unknown length.
func (s *httpSource) Probe(ctx context.Context) (Capabilities, int64, error) {
	var resp *http.Response
	err := retry.Do(
		func() error {
			req, err := s.newRequest(ctx, http.MethodHead)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Range", "bytes=0-0")
			cur, err := s.client.Do(req)
			if err != nil {
				return err
			}
			cur.Body.Close()
			if cur.StatusCode >= 400 {
				return &statusError{code: cur.StatusCode}
			}
			resp = cur
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return Capabilities{}, 0, fmt.Errorf("probing %s: %w", s.url, err)
	}

	acceptRanges, hasAcceptRanges := resp.Header["Accept-Ranges"]
	caps := Capabilities{
		SupportsRange:   hasAcceptRanges && !strings.EqualFold(acceptRanges[0], "none"),
		SupportsResume:  hasAcceptRanges,
		ContentEncoding: resp.Header.Get("Content-Encoding"),
	}

	var total int64
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if n, err := strconv.ParseInt(cr[strings.LastIndex(cr, "/")+1:], 10, 64); err == nil {
			total = n
		}
	}
	if total == 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}
	return caps, total, nil
}

// Open issues the GET for one attempt. The worker decides whether a range is
// wanted: from < 0 means a plain full-body request.
func (s *httpSource) Open(ctx context.Context, from, to int64) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}
	if from >= 0 {
		req.Header.Set("Range", rangeSpec(from, to))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &statusError{code: resp.StatusCode}
	}
	return resp.Body, nil
}
