package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultToolCallsPerMinute = 30
	WebSearchHTTPTimeout      = 10 * time.Second
)

// toolRateLimiter keeps one token bucket per key.
type toolRateLimiter struct {
	limit  rate.Limit
	burst  int
	mu     sync.Mutex
	bucket map[string]*rate.Limiter
}

func newToolRateLimiter(perWindow int, window time.Duration) *toolRateLimiter {
	if perWindow <= 0 {
		perWindow = DefaultToolCallsPerMinute
	}
	return &toolRateLimiter{
		limit:  rate.Every(window / time.Duration(perWindow)),
		burst:  perWindow,
		bucket: make(map[string]*rate.Limiter),
	}
}

func (l *toolRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.bucket[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.bucket[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (w *webSearchTool) fetchURL(ctx context.Context, target string) (string, error) {
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: WebSearchHTTPTimeout}
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("unsupported url scheme")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "OlmoPlayground-WebSearch/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch url: %s", resp.Status)
	}

	const maxBodySize = 512 * 1024
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", err
	}

	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
