// Package capture renders pages in headless Chrome and records the
// resulting screenshot artifacts against their runs.
package capture

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Screenshotter renders a URL and returns PNG bytes.
type Screenshotter interface {
	Screenshot(ctx context.Context, rawURL string) ([]byte, error)
	Close(ctx context.Context) error
}

// Config controls the headless rendering subsystem.
type Config struct {
	MaxParallel    int
	NavTimeout     time.Duration
	SettleDelay    time.Duration
	ViewportWidth  int
	ViewportHeight int
	DomainQPS      float64
	UserAgent      string
}

// ChromeShooter implements Screenshotter using a shared headless Chrome
// process with one tab per capture.
type ChromeShooter struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	cfg             Config
	domainLimiters  sync.Map
}

// NewChromeShooter starts the browser and verifies it is usable.
func NewChromeShooter(cfg Config, logger *zap.Logger) (*ChromeShooter, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 2
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 25 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromeShooter{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.MaxParallel),
		cfg:             cfg,
	}, nil
}

// Close tears down the chromedp allocator and browser contexts.
func (c *ChromeShooter) Close(_ context.Context) error {
	if c == nil {
		return nil
	}
	c.browserCancel()
	c.allocatorCancel()
	return nil
}

// Screenshot navigates to the URL in a fresh tab, waits for the page to
// settle, and captures a full-page PNG.
func (c *ChromeShooter) Screenshot(ctx context.Context, rawURL string) ([]byte, error) {
	release, err := c.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.waitDomainBudget(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("capture rate limit: %w", err)
	}

	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx)
	defer cancelTab()
	taskCtx, cancelTask := context.WithTimeout(tabCtx, c.cfg.NavTimeout)
	defer cancelTask()

	var png []byte
	err = chromedp.Run(taskCtx,
		emulation.SetDeviceMetricsOverride(
			int64(c.cfg.ViewportWidth), int64(c.cfg.ViewportHeight), 1, false),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(c.cfg.SettleDelay),
		chromedp.FullScreenshot(&png, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	c.logger.Debug("captured screenshot",
		zap.String("url", rawURL),
		zap.Int("bytes", len(png)),
	)
	return png, nil
}

func (c *ChromeShooter) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire capture slot: %w", ctx.Err())
	}
}

func (c *ChromeShooter) waitDomainBudget(ctx context.Context, rawURL string) error {
	if c.cfg.DomainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	limiter, _ := c.domainLimiters.LoadOrStore(
		parsed.Hostname(),
		rate.NewLimiter(rate.Limit(c.cfg.DomainQPS), 1),
	)
	return limiter.(*rate.Limiter).Wait(ctx)
}
