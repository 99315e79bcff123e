package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"krauler/pkg/utils"
)

// HTTPFetcher performs a single streaming GET. The caller owns resp.Body.
// resp.Request.URL is the final URL after redirects.
type HTTPFetcher interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Fetcher issues GET requests through a configured http.Client.
// It makes exactly one attempt per call; a failed page is not retried.
type Fetcher struct {
	client    *http.Client
	userAgent string
	log       *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, userAgent string, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
		log:       log,
	}
}

// Get sends the request and returns the response with its body unread.
// Any status is returned without error; judging it is up to the caller.
func (f *Fetcher) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			f.log.WithField("url", url).Debugf("Request aborted by context: %v", err)
		}
		return nil, fmt.Errorf("%w: %w", utils.ErrTransport, err)
	}

	f.log.WithFields(logrus.Fields{
		"url":         url,
		"final_url":   resp.Request.URL.String(),
		"status_code": resp.StatusCode,
	}).Debug("Fetched")
	return resp, nil
}
