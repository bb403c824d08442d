package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/gmhost/internal/inject"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/google/uuid"
)

const tabQueueSize = 64

// Lifecycle receives page lifecycle events for each attached tab.
type Lifecycle interface {
	Navigate(tabID, url string) inject.PageInfo
	PhaseReached(tabID string, phase metadata.RunAt) (<-chan struct{}, error)
	CloseTab(tabID string)
}

type Config struct {
	CDPURL       string
	TabURLFilter string
	EvalTimeout  time.Duration
}

// Client attaches to every page target of a running Chromium, turns its
// navigation lifecycle into scheduler calls and serves page-side host
// operations (styles, new tabs, script worlds).
type Client struct {
	cfg       Config
	lifecycle Lifecycle

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	tabs   map[target.ID]*TabContext
	tabsMu sync.RWMutex
}

// TabContext is one attached page target.
type TabContext struct {
	ID  target.ID
	URL string

	ctx    context.Context
	cancel context.CancelFunc

	// mainFrame is only touched by the listener goroutine.
	mainFrame cdproto.FrameID
	work      chan func()
	done      chan struct{}

	bindingsMu sync.Mutex
	bindings   map[string]func(payload string)
}

// TabInfo is what the API reports per attached tab.
type TabInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func NewClient(cfg Config, lifecycle Lifecycle) *Client {
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 5 * time.Second
	}
	return &Client{
		cfg:       cfg,
		lifecycle: lifecycle,
		tabs:      make(map[target.ID]*TabContext),
	}
}

// Connect attaches to existing page targets and follows targets created or
// destroyed afterwards.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("connecting to chromium", "url", c.cfg.CDPURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cfg.CDPURL)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	if err := chromedp.Run(c.browserCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}
	slog.Info("found browser targets", "count", len(targets))

	chromedp.ListenBrowser(c.browserCtx, c.onBrowserEvent)

	attached := 0
	for _, t := range targets {
		if t.Type != "page" || !c.matchesTabURL(t.URL) {
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL); err != nil {
			slog.Error("failed to attach to tab", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
			continue
		}
		attached++
	}
	slog.Info("attached to tabs", "count", attached, "tab_url_filter", c.cfg.TabURLFilter)
	return nil
}

func (c *Client) onBrowserEvent(ev any) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		info := e.TargetInfo
		if info == nil || info.Type != "page" || !c.matchesTabURL(info.URL) {
			return
		}
		// Attaching sends CDP commands, which must not happen on the
		// listener goroutine.
		go func() {
			if err := c.attachToTab(info.TargetID, info.URL); err != nil {
				slog.Warn("failed to attach to new tab", "target_id", info.TargetID, "error", err)
			}
		}()
	case *target.EventTargetDestroyed:
		c.detach(e.TargetID)
	}
}

func (c *Client) attachToTab(targetID target.ID, url string) error {
	c.tabsMu.Lock()
	if _, ok := c.tabs[targetID]; ok {
		c.tabsMu.Unlock()
		return nil
	}
	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx, chromedp.WithTargetID(targetID))
	tab := newTabContext(targetID, url, tabCtx, tabCancel)
	c.tabs[targetID] = tab
	c.tabsMu.Unlock()

	if err := chromedp.Run(tabCtx, page.Enable(), page.SetLifecycleEventsEnabled(true)); err != nil {
		c.detach(targetID)
		return fmt.Errorf("failed to enable page domain: %w", err)
	}

	go tab.run()
	chromedp.ListenTarget(tabCtx, func(ev any) { c.handleTabEvent(tab, ev) })

	// The page is already loaded: run everything that matches now.
	tab.enqueue(func() {
		c.lifecycle.Navigate(string(targetID), url)
		c.reach(tab, metadata.RunAtDocumentIdle)
	})
	slog.Info("attached to tab", "target_id", targetID, "url", truncateURL(url))
	return nil
}

func newTabContext(id target.ID, url string, ctx context.Context, cancel context.CancelFunc) *TabContext {
	return &TabContext{
		ID:       id,
		URL:      url,
		ctx:      ctx,
		cancel:   cancel,
		work:     make(chan func(), tabQueueSize),
		done:     make(chan struct{}),
		bindings: make(map[string]func(string)),
	}
}

// run applies lifecycle calls for one tab in arrival order.
func (t *TabContext) run() {
	for {
		select {
		case fn := <-t.work:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *TabContext) enqueue(fn func()) {
	select {
	case t.work <- fn:
	case <-t.done:
	default:
		slog.Warn("tab event queue full, dropping lifecycle event", "target_id", t.ID)
	}
}

// handleTabEvent runs on the chromedp listener goroutine and must not block.
func (c *Client) handleTabEvent(tab *TabContext, ev any) {
	tabID := string(tab.ID)
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		tab.mainFrame = e.Frame.ID
		url := e.Frame.URL
		c.tabsMu.Lock()
		tab.URL = url
		c.tabsMu.Unlock()
		slog.Debug("tab navigated", "tab_id", tabID, "url", truncateURL(url))
		tab.enqueue(func() {
			c.lifecycle.Navigate(tabID, url)
			c.reach(tab, metadata.RunAtDocumentStart)
		})
	case *page.EventLifecycleEvent:
		if e.FrameID != tab.mainFrame {
			return
		}
		var phase metadata.RunAt
		switch e.Name {
		case "DOMContentLoaded":
			phase = metadata.RunAtDocumentEnd
		case "load":
			phase = metadata.RunAtDocumentIdle
		default:
			return
		}
		tab.enqueue(func() { c.reach(tab, phase) })
	case *runtime.EventBindingCalled:
		if fn := tab.binding(e.Name); fn != nil {
			fn(e.Payload)
		}
	case *page.EventNavigatedWithinDocument:
		slog.Debug("tab navigated within document", "tab_id", tabID, "url", truncateURL(e.URL))
	}
}

// reach signals a phase and waits for its scripts, so a later phase of the
// same tab never overtakes it.
func (c *Client) reach(tab *TabContext, phase metadata.RunAt) {
	done, err := c.lifecycle.PhaseReached(string(tab.ID), phase)
	if err != nil {
		slog.Debug("phase not delivered", "tab_id", tab.ID, "phase", phase, "error", err)
		return
	}
	select {
	case <-done:
	case <-tab.done:
	}
}

func (c *Client) detach(targetID target.ID) {
	c.tabsMu.Lock()
	tab, ok := c.tabs[targetID]
	delete(c.tabs, targetID)
	c.tabsMu.Unlock()
	if !ok {
		return
	}
	close(tab.done)
	tab.cancel()
	c.lifecycle.CloseTab(string(targetID))
	slog.Info("detached from tab", "target_id", targetID)
}

func (c *Client) tab(tabID string) (*TabContext, error) {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	tab, ok := c.tabs[target.ID(tabID)]
	if !ok {
		return nil, fmt.Errorf("tab not attached: %s", tabID)
	}
	return tab, nil
}

// eval runs expr in the tab, bounded by EvalTimeout and by ctx.
func (c *Client) eval(ctx context.Context, tabID, expr string) error {
	tab, err := c.tab(tabID)
	if err != nil {
		return err
	}
	return c.run(ctx, tab, func(ctx context.Context) error {
		return chromedp.Evaluate(expr, nil).Do(ctx)
	})
}

// InjectStyle appends a <style> element to the tab's current document.
func (c *Client) InjectStyle(ctx context.Context, tabID, css string) (string, error) {
	id := "gmhost-style-" + uuid.NewString()
	if err := c.eval(ctx, tabID, styleScript(id, css)); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) RemoveStyle(ctx context.Context, tabID, styleID string) error {
	quoted, _ := json.Marshal(styleID)
	return c.eval(ctx, tabID, fmt.Sprintf(`(function(){var s=document.getElementById(%s);if(s){s.remove();}})()`, quoted))
}

func styleScript(id, css string) string {
	qid, _ := json.Marshal(id)
	qcss, _ := json.Marshal(css)
	return fmt.Sprintf(`(function(){var s=document.createElement('style');s.id=%s;s.textContent=%s;(document.head||document.documentElement).appendChild(s);})()`, qid, qcss)
}

// OpenTab creates a new page target.
func (c *Client) OpenTab(ctx context.Context, url string, background bool) error {
	if c.browserCtx == nil {
		return fmt.Errorf("browser not connected")
	}
	bc := chromedp.FromContext(c.browserCtx)
	if bc == nil || bc.Browser == nil {
		return fmt.Errorf("browser not connected")
	}
	_, err := target.CreateTarget(url).WithBackground(background).Do(cdproto.WithExecutor(ctx, bc.Browser))
	return err
}

// Tabs lists attached tabs ordered by ID.
func (c *Client) Tabs() []TabInfo {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	out := make([]TabInfo, 0, len(c.tabs))
	for id, t := range c.tabs {
		out = append(out, TabInfo{ID: string(id), URL: t.URL})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	ids := make([]target.ID, 0, len(c.tabs))
	for id := range c.tabs {
		ids = append(ids, id)
	}
	c.tabsMu.Unlock()
	for _, id := range ids {
		c.detach(id)
	}

	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	slog.Info("CDP client closed")
	return nil
}

func (c *Client) matchesTabURL(url string) bool {
	if c.cfg.TabURLFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.cfg.TabURLFilter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
