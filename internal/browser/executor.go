// Package browser implements the command executor: one entry point per
// controller action, each a thin wrapper around a Playwright-driven
// Chromium instance. The relay dispatches into Execute concurrently; the
// page itself is serialized behind a mutex.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/store"
)

// ScreenshotHistoryLimit caps the on-disk screenshot history.
const ScreenshotHistoryLimit = 50

// History answers activity-log queries from the durable log.
type History interface {
	ReadRecent(limit int) ([]*store.Activity, error)
}

// Reporter receives unsolicited activity events observed on the page.
type Reporter interface {
	ReportActivity(activityType string, data any)
}

// Options configures the executor.
type Options struct {
	Headless      bool
	ScreenshotDir string
}

// Executor drives one Chromium page through Playwright.
type Executor struct {
	log     *zap.Logger
	db      *store.DB
	history History
	opts    Options

	mu       sync.Mutex
	pw       *playwright.Playwright
	browser  playwright.Browser
	page     playwright.Page
	reporter Reporter
}

// NewExecutor constructs an Executor. Call Start before Execute.
func NewExecutor(db *store.DB, history History, opts Options, log *zap.Logger) *Executor {
	return &Executor{
		log:     log,
		db:      db,
		history: history,
		opts:    opts,
	}
}

// SetReporter installs the activity sink. Page event hooks stay silent
// until a reporter is present.
func (e *Executor) SetReporter(r Reporter) {
	e.mu.Lock()
	e.reporter = r
	e.mu.Unlock()
}

// Start installs and launches Playwright, opens the controlled page, and
// wires its activity hooks.
func (e *Executor) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pw != nil {
		return nil
	}
	if e.opts.ScreenshotDir != "" {
		if err := os.MkdirAll(e.opts.ScreenshotDir, 0o755); err != nil {
			return fmt.Errorf("browser: screenshot dir: %w", err)
		}
	}

	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return fmt.Errorf("browser: install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return fmt.Errorf("browser: start playwright: %w", err)
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.opts.Headless),
	})
	if err != nil {
		_ = pw.Stop()
		return fmt.Errorf("browser: launch chromium: %w", err)
	}
	page, err := browser.NewPage()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return fmt.Errorf("browser: open page: %w", err)
	}

	page.OnLoad(func(p playwright.Page) {
		e.report("pageLoad", map[string]any{"url": p.URL()})
	})
	page.OnFrameNavigated(func(f playwright.Frame) {
		if f.ParentFrame() != nil {
			return
		}
		e.report("pageNavigation", map[string]any{"url": f.URL()})
	})

	e.pw = pw
	e.browser = browser
	e.page = page
	e.log.Info("browser: started", zap.Bool("headless", e.opts.Headless))
	return nil
}

// Stop closes the page, browser and Playwright driver.
func (e *Executor) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.browser != nil {
		_ = e.browser.Close()
		e.browser = nil
		e.page = nil
	}
	if e.pw != nil {
		err := e.pw.Stop()
		e.pw = nil
		return err
	}
	return nil
}

// Execute runs one action. The action runs on its own goroutine so a hung
// page call cannot outlive the caller's deadline.
func (e *Executor) Execute(ctx context.Context, action string, params json.RawMessage) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.run(action, params)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("browser: %s: %w", action, ctx.Err())
	case out := <-done:
		return out.result, out.err
	}
}

// ── actions ───────────────────────────────────────────────────────────────

func (e *Executor) run(action string, params json.RawMessage) (any, error) {
	switch action {
	case "navigate":
		return e.navigate(params)
	case "screenshot":
		return e.screenshot()
	case "getContent":
		return e.getContent()
	case "executeScript":
		return e.executeScript(params)
	case "getUserActivityLog":
		return e.userActivityLog(params)
	default:
		return nil, fmt.Errorf("Unknown command: %s", action)
	}
}

func (e *Executor) navigate(params json.RawMessage) (any, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, fmt.Errorf("browser: navigate: url is required")
	}

	page, err := e.currentPage()
	if err != nil {
		return nil, err
	}
	if _, err := page.Goto(p.URL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}); err != nil {
		return nil, fmt.Errorf("browser: navigate %s: %w", p.URL, err)
	}
	return map[string]any{"success": true, "url": page.URL()}, nil
}

func (e *Executor) screenshot() (any, error) {
	page, err := e.currentPage()
	if err != nil {
		return nil, err
	}
	img, err := page.Screenshot(playwright.PageScreenshotOptions{})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	e.saveScreenshot(img)
	return map[string]any{
		"success":    true,
		"screenshot": base64.StdEncoding.EncodeToString(img),
	}, nil
}

func (e *Executor) getContent() (any, error) {
	page, err := e.currentPage()
	if err != nil {
		return nil, err
	}
	title, err := page.Title()
	if err != nil {
		return nil, fmt.Errorf("browser: get title: %w", err)
	}
	text, err := page.Locator("body").InnerText()
	if err != nil {
		return nil, fmt.Errorf("browser: get content: %w", err)
	}
	return map[string]any{
		"success": true,
		"url":     page.URL(),
		"title":   title,
		"content": text,
	}, nil
}

func (e *Executor) executeScript(params json.RawMessage) (any, error) {
	var p struct {
		TabID  int    `json:"tabId"`
		Script string `json:"script"`
		File   string `json:"file"`
		Args   []any  `json:"args"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	script := p.Script
	if script == "" && p.File != "" {
		data, err := os.ReadFile(p.File)
		if err != nil {
			return nil, fmt.Errorf("browser: read script file: %w", err)
		}
		script = string(data)
	}
	if script == "" {
		return nil, fmt.Errorf("browser: executeScript: script or file is required")
	}

	page, err := e.currentPage()
	if err != nil {
		return nil, err
	}
	var value any
	if len(p.Args) > 0 {
		value, err = page.Evaluate(script, p.Args)
	} else {
		value, err = page.Evaluate(script)
	}
	if err != nil {
		return nil, fmt.Errorf("browser: executeScript: %w", err)
	}
	return map[string]any{"success": true, "result": value}, nil
}

func (e *Executor) userActivityLog(params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	entries, err := e.history.ReadRecent(p.Limit)
	if err != nil {
		return nil, fmt.Errorf("browser: read activity log: %w", err)
	}
	return map[string]any{
		"success":    true,
		"activities": entries,
		"count":      len(entries),
	}, nil
}

// ── internal ──────────────────────────────────────────────────────────────

func (e *Executor) currentPage() (playwright.Page, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.page == nil {
		return nil, fmt.Errorf("browser: not started")
	}
	return e.page, nil
}

func (e *Executor) report(activityType string, data any) {
	e.mu.Lock()
	r := e.reporter
	e.mu.Unlock()
	if r != nil {
		r.ReportActivity(activityType, data)
	}
}

// saveScreenshot writes the image to the history directory and records it,
// trimming to the most recent ScreenshotHistoryLimit. Best-effort: the
// command result carries the image either way.
func (e *Executor) saveScreenshot(img []byte) {
	if e.opts.ScreenshotDir == "" || e.db == nil {
		return
	}
	id := uuid.New().String()
	name := fmt.Sprintf("%s_%s.png", time.Now().UTC().Format("20060102_150405"), id[:8])
	path := filepath.Join(e.opts.ScreenshotDir, name)
	if err := os.WriteFile(path, img, 0o644); err != nil {
		e.log.Warn("browser: save screenshot", zap.Error(err))
		return
	}
	if _, err := e.db.InsertScreenshot(&store.Screenshot{
		CommandID: id,
		Path:      path,
		TakenAt:   time.Now().UTC(),
	}); err != nil {
		e.log.Warn("browser: record screenshot", zap.Error(err))
		return
	}
	if err := e.db.TrimScreenshots(ScreenshotHistoryLimit); err != nil {
		e.log.Warn("browser: trim screenshots", zap.Error(err))
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("browser: decode params: %w", err)
	}
	return nil
}
