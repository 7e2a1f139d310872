package retry

import (
	"context"
	"io"
	"net/http"

	"github.com/teranos/onair/errors"
)

// IsTransientStatus reports whether an HTTP status is worth retrying:
// 408 Request Timeout, 429 Too Many Requests, and every 5xx.
func IsTransientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

// SendWithRetry sends a fresh request from newRequest on every attempt. A
// transient status closes the response and counts as a failed attempt. When
// userAgent is set and the request carries no User-Agent, it is added.
//
// The caller owns the returned response body.
func SendWithRetry(
	ctx context.Context,
	p *Policy,
	client *http.Client,
	name string,
	newRequest func(ctx context.Context) (*http.Request, error),
	userAgent string,
) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}

	return Do(ctx, p, name, func(ctx context.Context) (*http.Response, error) {
		req, err := newRequest(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: build request", name)
		}
		if userAgent != "" && req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", userAgent)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if IsTransientStatus(resp.StatusCode) {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, &TransientError{Op: name, StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
}
