// Package httpremote is a modsync.Remote and modsync.TargetLister backed by an
// HTTP service.
//
// Endpoints, relative to BaseURL:
//
//	GET /records/{key}/revision       200 text revision | 204 no versioning
//	GET /records/{key}                200 full payload
//	GET /records/{key}?since={rev}    200 delta payload | 404, 410, 501 unsupported
//	GET /targets?cursor={cursor}      200 CBOR {"targets": [text], "next": text}
package httpremote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/unkn0wn-root/modsync"
)

const defaultMaxBody = 16 << 20

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("httpremote: response body too large")

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpremote: %s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

type Options struct {
	// BaseURL is the service root, e.g. "https://appview.example/v1".
	BaseURL string
	// Client defaults to an http.Client over NewTransport(nil).
	Client *http.Client
	// Header is added to every request (auth tokens and the like).
	Header http.Header
	// MaxBodyBytes caps every response body. Default 16 MiB.
	MaxBodyBytes int64
}

type Client struct {
	base    *url.URL
	hc      *http.Client
	header  http.Header
	maxBody int64
}

var (
	_ modsync.Remote       = (*Client)(nil)
	_ modsync.TargetLister = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("httpremote: BaseURL required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpremote: base url: %w", err)
	}
	hc := opts.Client
	if hc == nil {
		t, err := NewTransport(nil)
		if err != nil {
			return nil, err
		}
		hc = &http.Client{Transport: t}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Client{base: u, hc: hc, header: opts.Header.Clone(), maxBody: maxBody}, nil
}

func (c *Client) GetRevision(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.get(ctx, c.recordURL(key, "revision", ""))
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return "", false, nil
	case resp.StatusCode != http.StatusOK:
		return "", false, statusErr(resp)
	}
	b, err := c.read(ctx, resp, false)
	if err != nil {
		return "", false, err
	}
	rev := strings.TrimSpace(string(b))
	return rev, rev != "", nil
}

func (c *Client) FetchFull(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.get(ctx, c.recordURL(key, "", ""))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp)
	}
	return c.read(ctx, resp, true)
}

func (c *Client) FetchDelta(ctx context.Context, key, since string) ([]byte, error) {
	resp, err := c.get(ctx, c.recordURL(key, "", since))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return c.read(ctx, resp, true)
	case http.StatusNotFound, http.StatusGone, http.StatusNotImplemented:
		return nil, fmt.Errorf("%w: %w", modsync.ErrUnsupportedOperation, statusErr(resp))
	default:
		return nil, statusErr(resp)
	}
}

type targetPage struct {
	Targets []string `cbor:"targets"`
	Next    string   `cbor:"next"`
}

func (c *Client) ListTargets(ctx context.Context, cursor string) ([]string, string, error) {
	u := c.base.JoinPath("targets")
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}
	resp, err := c.get(ctx, u.String())
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", statusErr(resp)
	}
	b, err := c.read(ctx, resp, false)
	if err != nil {
		return nil, "", err
	}
	var p targetPage
	if err := cbor.Unmarshal(b, &p); err != nil {
		return nil, "", fmt.Errorf("httpremote: decode targets: %w", err)
	}
	return p.Targets, p.Next, nil
}

func (c *Client) recordURL(key, suffix, since string) string {
	u := c.base.JoinPath("records", url.PathEscape(key))
	if suffix != "" {
		u = u.JoinPath(suffix)
	}
	if since != "" {
		q := u.Query()
		q.Set("since", since)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return c.hc.Do(req)
}

// read consumes the body up to maxBody. With progress set, byte counters are
// forwarded through modsync.ReportBytes as the body streams in (total is -1
// for chunked responses).
func (c *Client) read(ctx context.Context, resp *http.Response, progress bool) ([]byte, error) {
	total := resp.ContentLength
	if total > c.maxBody {
		return nil, ErrBodyTooLarge
	}
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	chunk := make([]byte, 32<<10)
	var loaded int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			loaded += int64(n)
			if loaded > c.maxBody {
				return nil, ErrBodyTooLarge
			}
			buf.Write(chunk[:n])
			if progress {
				modsync.ReportBytes(ctx, loaded, total)
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func statusErr(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return &StatusError{Method: resp.Request.Method, URL: resp.Request.URL.Redacted(), Code: resp.StatusCode}
}
