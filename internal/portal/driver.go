package portal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

// Driver is the browser surface the state machine needs. Production uses
// ChromeDriver; tests use a scripted fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	ReadValue(ctx context.Context, selector string) (string, error)
	SelectOption(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	UploadFile(ctx context.Context, selector, path string) error
	ReadText(ctx context.Context, selector string) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	PageHTML(ctx context.Context) (string, error)
	Snapshot(ctx context.Context, path string) error
	Close() error
}

// ChromeDriver drives a headless Chrome instance.
type ChromeDriver struct {
	browserCtx context.Context
	cancels    []context.CancelFunc
}

// NewChromeDriver launches a browser. Requires Chrome/Chromium on the system.
func NewChromeDriver(ctx context.Context, headless bool) (*ChromeDriver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)...,
	)

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	d := &ChromeDriver{
		browserCtx: browserCtx,
		cancels:    []context.CancelFunc{browserCancel, allocCancel},
	}

	// Start the browser eagerly so launch failures surface here, not on the
	// first navigation.
	if err := chromedp.Run(browserCtx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	return d, nil
}

// Close shuts the browser down.
func (d *ChromeDriver) Close() error {
	for _, cancel := range d.cancels {
		cancel()
	}
	return nil
}

// run executes actions against the shared browser tab, bounded by the
// caller's context.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.browserCtx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (d *ChromeDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Sleep(2*time.Second),
	)
}

func (d *ChromeDriver) Fill(ctx context.Context, selector, value string) error {
	return d.run(ctx,
		chromedp.WaitVisible(selector),
		chromedp.SetValue(selector, value),
	)
}

func (d *ChromeDriver) ReadValue(ctx context.Context, selector string) (string, error) {
	var value string
	err := d.run(ctx, chromedp.Value(selector, &value))
	return value, err
}

func (d *ChromeDriver) SelectOption(ctx context.Context, selector, value string) error {
	return d.run(ctx,
		chromedp.WaitVisible(selector),
		chromedp.SetValue(selector, value),
	)
}

func (d *ChromeDriver) Click(ctx context.Context, selector string) error {
	return d.run(ctx,
		chromedp.WaitVisible(selector),
		chromedp.Click(selector, chromedp.NodeVisible),
		chromedp.Sleep(2*time.Second),
	)
}

func (d *ChromeDriver) UploadFile(ctx context.Context, selector, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve upload path: %w", err)
	}
	return d.run(ctx,
		chromedp.SetUploadFiles(selector, []string{abs}),
		// Give the portal time to process the upload before verification.
		chromedp.Sleep(5*time.Second),
	)
}

func (d *ChromeDriver) ReadText(ctx context.Context, selector string) (string, error) {
	var text string
	err := d.run(ctx, chromedp.Text(selector, &text, chromedp.AtLeast(0)))
	return text, err
}

func (d *ChromeDriver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := d.run(ctx, chromedp.Location(&url))
	return url, err
}

func (d *ChromeDriver) PageHTML(ctx context.Context) (string, error) {
	var html string
	err := d.run(ctx, chromedp.OuterHTML("html", &html))
	return html, err
}

// Snapshot captures a screenshot to path.
func (d *ChromeDriver) Snapshot(ctx context.Context, path string) error {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return fmt.Errorf("screenshot failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}
