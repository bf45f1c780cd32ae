package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const fetchTimeout = 30 * time.Second

var httpClient = &http.Client{Timeout: fetchTimeout}

// fetchViaHTTP downloads url for the image bytes-reupload fallback
// level. Isolated so tests can swap httpClient for a fake transport.
func fetchViaHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch result bytes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch result bytes: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read result bytes: %w", err)
	}
	return body, nil
}
