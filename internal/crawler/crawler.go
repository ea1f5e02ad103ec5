// Package crawler discovers the set of pages to capture for a release by
// walking links under a root URL.
package crawler

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Page is one discovered capture target. Name is the URL path, which doubles
// as the run name so reruns of the same page line up across releases.
type Page struct {
	Name string
	URL  string
}

// Crawler discovers pages under a root URL.
type Crawler interface {
	Discover(ctx context.Context, rootURL string, maxDepth int) ([]Page, error)
}

// Config controls crawl breadth and politeness.
type Config struct {
	MaxDepth       int           `mapstructure:"max_depth"`
	MaxPages       int           `mapstructure:"max_pages"`
	Concurrency    int           `mapstructure:"concurrency"`
	Delay          time.Duration `mapstructure:"delay"`
	UserAgent      string        `mapstructure:"user_agent"`
	IgnorePrefixes []string      `mapstructure:"ignore_prefixes"`
}

// SiteCrawler walks same-host links with colly.
type SiteCrawler struct {
	cfg    Config
	logger *zap.Logger
}

// NewSiteCrawler constructs a SiteCrawler.
func NewSiteCrawler(cfg Config, logger *zap.Logger) *SiteCrawler {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "pixeltrail-crawler/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SiteCrawler{cfg: cfg, logger: logger}
}

// Discover walks links under rootURL, staying on the root's host, and returns
// the unique pages found. The root page itself is always included. maxDepth
// overrides the configured depth when positive.
func (c *SiteCrawler) Discover(ctx context.Context, rootURL string, maxDepth int) ([]Page, error) {
	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("parse root url: %w", err)
	}
	if root.Scheme != "http" && root.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", root.Scheme)
	}
	depth := c.cfg.MaxDepth
	if maxDepth > 0 {
		depth = maxDepth
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(root.Hostname()),
		colly.MaxDepth(depth),
		colly.UserAgent(c.cfg.UserAgent),
		colly.Async(true),
	)
	collector.AllowURLRevisit = false
	collector.Context = ctx
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Concurrency,
		Delay:       c.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set crawl limits: %w", err)
	}

	var (
		mu    sync.Mutex
		pages []Page
		seen  = map[string]bool{}
	)
	record := func(u *url.URL) bool {
		canonical := canonicalize(u)
		mu.Lock()
		defer mu.Unlock()
		if seen[canonical] || len(pages) >= c.cfg.MaxPages {
			return false
		}
		seen[canonical] = true
		pages = append(pages, Page{Name: runName(u), URL: canonical})
		return true
	}

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" || c.ignored(href) {
			return
		}
		if err := e.Request.Visit(href); err != nil {
			c.logger.Debug("skipping link", zap.String("url", href), zap.Error(err))
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		if r.StatusCode != 200 {
			return
		}
		if !strings.Contains(r.Headers.Get("Content-Type"), "text/html") {
			return
		}
		record(r.Request.URL)
	})
	collector.OnError(func(r *colly.Response, err error) {
		c.logger.Warn("crawl fetch failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})

	if err := collector.Visit(root.String()); err != nil {
		return nil, fmt.Errorf("visit root: %w", err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("crawl canceled: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages discovered under %s", rootURL)
	}
	c.logger.Info("crawl finished",
		zap.String("root", rootURL),
		zap.Int("pages", len(pages)),
	)
	return pages, nil
}

func (c *SiteCrawler) ignored(rawURL string) bool {
	for _, prefix := range c.cfg.IgnorePrefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return true
		}
	}
	return false
}

// canonicalize strips fragments so /about and /about#team are one page.
func canonicalize(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	return clean.String()
}

// runName derives the stable run name from the URL path. Query strings are
// kept because they usually select distinct content.
func runName(u *url.URL) string {
	name := u.Path
	if name == "" {
		name = "/"
	}
	if u.RawQuery != "" {
		name += "?" + u.RawQuery
	}
	return name
}
