// Package news fetches current headlines from RSS feeds so the companion
// has something fresh to chat about.
//
// Results are cached briefly: callers may ask for news several times in one
// conversation and the feeds change on the order of hours, not seconds.
package news

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultCategory = "world"
	maxHeadlines    = 5
	cacheTTL        = 10 * time.Minute
	requestTimeout  = 10 * time.Second
	maxFeedBytes    = 1 << 20
)

// defaultFeeds maps chat categories to public RSS endpoints.
var defaultFeeds = map[string]string{
	"world":    "https://feeds.bbci.co.uk/news/world/rss.xml",
	"local":    "https://feeds.bbci.co.uk/news/uk/rss.xml",
	"health":   "https://feeds.bbci.co.uk/news/health/rss.xml",
	"science":  "https://feeds.bbci.co.uk/news/science_and_environment/rss.xml",
	"weather":  "https://feeds.bbci.co.uk/weather/feeds/en/rss.xml",
	"positive": "https://www.goodnewsnetwork.org/feed/",
}

// Headline is one feed item.
type Headline struct {
	Title       string
	Description string
}

// rss mirrors the subset of the RSS 2.0 schema we read.
type rss struct {
	Channel struct {
		Items []struct {
			Title       string `xml:"title"`
			Description string `xml:"description"`
		} `xml:"item"`
	} `xml:"channel"`
}

// Option is a functional option for Fetcher.
type Option func(*Fetcher)

// WithFeeds replaces the category-to-URL map.
func WithFeeds(feeds map[string]string) Option {
	return func(f *Fetcher) { f.feeds = feeds }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// Fetcher retrieves and caches headlines per category.
type Fetcher struct {
	feeds  map[string]string
	client *http.Client
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	headlines []Headline
	fetched   time.Time
}

// NewFetcher creates a Fetcher with the default feed map.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		feeds:  defaultFeeds,
		client: &http.Client{Timeout: requestTimeout},
		log:    slog.Default(),
		cache:  map[string]cacheEntry{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Headlines returns up to five current items for the category. Unknown or
// empty categories fall back to world news.
func (f *Fetcher) Headlines(ctx context.Context, category string) ([]Headline, error) {
	category = strings.ToLower(strings.TrimSpace(category))
	url, ok := f.feeds[category]
	if !ok {
		category = defaultCategory
		url = f.feeds[category]
	}
	if url == "" {
		return nil, fmt.Errorf("news: no feed configured for %q", category)
	}

	f.mu.Lock()
	entry, cached := f.cache[category]
	f.mu.Unlock()
	if cached && time.Since(entry.fetched) < cacheTTL {
		return entry.headlines, nil
	}

	headlines, err := f.fetch(ctx, url)
	if err != nil {
		// Stale beats nothing when the feed is down mid-call.
		if cached {
			f.log.Warn("news fetch failed, serving stale cache", "category", category, "error", err)
			return entry.headlines, nil
		}
		return nil, err
	}

	f.mu.Lock()
	f.cache[category] = cacheEntry{headlines: headlines, fetched: time.Now()}
	f.mu.Unlock()
	return headlines, nil
}

// Summary formats headlines as a compact block for a tool result.
func Summary(headlines []Headline) string {
	if len(headlines) == 0 {
		return "No headlines available right now."
	}
	var b strings.Builder
	for i, h := range headlines {
		fmt.Fprintf(&b, "%d. %s", i+1, h.Title)
		if h.Description != "" {
			fmt.Fprintf(&b, " — %s", h.Description)
		}
		if i < len(headlines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]Headline, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("news: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news: fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news: feed returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("news: read feed: %w", err)
	}

	var doc rss
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("news: parse feed: %w", err)
	}

	headlines := make([]Headline, 0, maxHeadlines)
	for _, item := range doc.Channel.Items {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}
		headlines = append(headlines, Headline{
			Title:       title,
			Description: strings.TrimSpace(item.Description),
		})
		if len(headlines) == maxHeadlines {
			break
		}
	}
	if len(headlines) == 0 {
		return nil, fmt.Errorf("news: feed contained no items")
	}
	return headlines, nil
}
