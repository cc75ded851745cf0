// Package scrapper looks up song lyrics on the web.
package scrapper

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/latoulicious/jockie/pkg/logging"
)

const (
	defaultBaseURL = "https://www.animelyrics.com"
	sourceName     = "AnimeLyrics.com"

	// Discord rejects embed fields over 1024 characters.
	maxLyricsLength = 1024
)

var (
	// ErrEmptyQuery is returned for a blank search.
	ErrEmptyQuery = errors.New("empty search query")
	// ErrNotFound is returned when no page matches the query.
	ErrNotFound = errors.New("no lyrics found")
)

var (
	whitespaceRun = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
	titleNoise    = regexp.MustCompile(`(?i)\s*[\(\[](official|lyrics?|mv|music video|audio|hd|4k)[^\)\]]*[\)\]]`)
)

// Config holds lyrics lookup settings.
type Config struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	BaseURL  string        `env:"BASE_URL" envDefault:"https://www.animelyrics.com"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"30m"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// Options turns cfg into scraper options.
func (c Config) Options() []Option {
	opts := []Option{WithHTTPClient(&http.Client{Timeout: c.Timeout})}
	if c.BaseURL != "" {
		opts = append(opts, WithBaseURL(c.BaseURL))
	}
	if c.CacheTTL > 0 {
		opts = append(opts, WithCacheTTL(c.CacheTTL))
	}
	return opts
}

// LyricsResult is one lyrics page.
type LyricsResult struct {
	Title  string
	Artist string
	Lyrics string
	URL    string
	Source string
}

type cacheEntry struct {
	result  *LyricsResult
	err     error
	expires time.Time
}

// LyricsScraper searches a lyrics site and caches the answers.
type LyricsScraper struct {
	client   *http.Client
	baseURL  string
	cacheTTL time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option configures a LyricsScraper.
type Option func(*LyricsScraper)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(ls *LyricsScraper) { ls.client = c }
}

// WithBaseURL points the scraper at another host.
func WithBaseURL(u string) Option {
	return func(ls *LyricsScraper) { ls.baseURL = strings.TrimRight(u, "/") }
}

// WithCacheTTL sets how long results, including misses, are kept.
func WithCacheTTL(d time.Duration) Option {
	return func(ls *LyricsScraper) { ls.cacheTTL = d }
}

// NewLyricsScraper creates a new lyrics scraper instance
func NewLyricsScraper(logger logging.Logger, opts ...Option) *LyricsScraper {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	ls := &LyricsScraper{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  defaultBaseURL,
		cacheTTL: 30 * time.Minute,
		logger:   logger.With(logging.String("component", "lyrics")),
		now:      time.Now,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(ls)
	}
	return ls
}

// SearchLyrics finds lyrics for query. A miss is reported as ErrNotFound.
func (ls *LyricsScraper) SearchLyrics(ctx context.Context, query string) (*LyricsResult, error) {
	query = CleanTitle(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	key := strings.ToLower(query)

	ls.mu.Lock()
	if e, ok := ls.cache[key]; ok && ls.now().Before(e.expires) {
		ls.mu.Unlock()
		return e.result, e.err
	}
	ls.mu.Unlock()

	result, err := ls.search(ctx, query)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// Transport failures are not cached.
		ls.logger.Warn("Lyrics lookup failed", logging.String("query", query), logging.Error(err))
		return nil, err
	}

	ls.mu.Lock()
	ls.cache[key] = cacheEntry{result: result, err: err, expires: ls.now().Add(ls.cacheTTL)}
	ls.mu.Unlock()
	return result, err
}

func (ls *LyricsScraper) search(ctx context.Context, query string) (*LyricsResult, error) {
	searchURL := fmt.Sprintf("%s/search.php?search=%s", ls.baseURL, url.QueryEscape(query))
	doc, err := ls.fetch(ctx, searchURL)
	if err != nil {
		return nil, fmt.Errorf("fetch search results: %w", err)
	}

	var first string
	doc.Find("a[href*='anime/']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		first, _ = s.Attr("href")
		return first == ""
	})
	if first == "" {
		return nil, fmt.Errorf("%w for %q", ErrNotFound, query)
	}
	if !strings.HasPrefix(first, "http") {
		first = ls.baseURL + "/" + strings.TrimLeft(first, "/")
	}
	return ls.page(ctx, first)
}

func (ls *LyricsScraper) page(ctx context.Context, pageURL string) (*LyricsResult, error) {
	doc, err := ls.fetch(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch lyrics page: %w", err)
	}

	title := strings.TrimSpace(doc.Find("h1, h2, h3").First().Text())

	var artist string
	doc.Find("p, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		for _, label := range []string{"Artist:", "歌手:"} {
			if i := strings.Index(text, label); i >= 0 {
				line, _, _ := strings.Cut(text[i+len(label):], "\n")
				artist = strings.TrimSpace(line)
				return false
			}
		}
		return true
	})

	lyrics := doc.Find("div.lyrics, div#lyrics, pre, .lyrics-content").First().Text()
	lyrics = cleanLyrics(lyrics)
	if lyrics == "" {
		return nil, fmt.Errorf("%w on %s", ErrNotFound, pageURL)
	}

	return &LyricsResult{
		Title:  title,
		Artist: artist,
		Lyrics: lyrics,
		URL:    pageURL,
		Source: sourceName,
	}, nil
}

func (ls *LyricsScraper) fetch(ctx context.Context, target string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := ls.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

// ClearCache drops every cached answer.
func (ls *LyricsScraper) ClearCache() {
	ls.mu.Lock()
	ls.cache = make(map[string]cacheEntry)
	ls.mu.Unlock()
}

// CleanTitle strips the decorations video titles usually carry, like
// "(Official Video)" or "[Lyrics]".
func CleanTitle(title string) string {
	title = titleNoise.ReplaceAllString(title, "")
	return strings.Join(strings.Fields(title), " ")
}

func cleanLyrics(lyrics string) string {
	lyrics = strings.ReplaceAll(lyrics, "\u00a0", " ")
	lyrics = whitespaceRun.ReplaceAllString(lyrics, " ")
	lines := strings.Split(lyrics, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	lyrics = blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	lyrics = strings.TrimSpace(lyrics)

	if r := []rune(lyrics); len(r) > maxLyricsLength {
		lyrics = string(r[:maxLyricsLength-3]) + "..."
	}
	return lyrics
}
