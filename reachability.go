package main

import (
	"context"
	"net/http"
	"time"
)

const reachTimeout = 5 * time.Second

var reachClient = &http.Client{
	Timeout: reachTimeout,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return http.ErrUseLastResponse
		}
		return nil
	},
}

// isMediaAlive fetches the first byte of a media URL. 2xx and 3xx count as alive.
func isMediaAlive(ctx context.Context, mediaURL, userAgent string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-0")
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := reachClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}
