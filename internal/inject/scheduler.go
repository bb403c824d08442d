// Package inject decides which scripts run on a page, in what order and at
// which readiness phase, and runs them in isolated page worlds or host-side
// sandboxes.
package inject

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/match"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/google/uuid"
)

// State is the lifecycle position of a page context.
type State int

const (
	StatePending State = iota
	StateMatching
	StateInjecting
	StateActive
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMatching:
		return "matching"
	case StateInjecting:
		return "injecting"
	case StateActive:
		return "active"
	case StateTornDown:
		return "torn-down"
	default:
		return "unknown"
	}
}

// ScriptSource lists enabled scripts in install order.
type ScriptSource interface {
	Enabled() []*script.Script
}

// Config wires the scheduler to the install set and host capabilities.
type Config struct {
	Scripts    ScriptSource
	Storage    gm.Storage
	Host       gm.Host
	HTTPClient *http.Client
	Events     events.Publisher
	Matcher    *match.Matcher
	// Runner executes scripts inside the tab's document. Without it
	// scripts run in a host-side VM that has no DOM.
	Runner gm.PageRunner
	// ExecTimeout bounds a script body or a single callback. Zero disables it.
	ExecTimeout time.Duration
}

// PageInfo is a snapshot of one tab's page context.
type PageInfo struct {
	ID      string   `json:"id"`
	TabID   string   `json:"tab_id"`
	URL     string   `json:"url"`
	State   string   `json:"state"`
	Phase   string   `json:"phase,omitempty"`
	Scripts []string `json:"scripts"`
}

// Scheduler owns one page context per tab. Tabs are independent; the lock
// only guards the tab map.
type Scheduler struct {
	cfg     Config
	enabled atomic.Bool

	mu   sync.Mutex
	tabs map[string]*page
}

// New returns a scheduler with injection enabled.
func New(cfg Config) *Scheduler {
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Matcher == nil {
		cfg.Matcher = match.New()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	s := &Scheduler{cfg: cfg, tabs: make(map[string]*page)}
	s.enabled.Store(true)
	return s
}

// SetEnabled is the global switch. Pages already loaded keep running.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
	slog.Info("injection engine toggled", "enabled", enabled)
}

func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// Navigate starts a new page context for tabID, tearing down the previous
// one, and partitions the matching scripts by run-at phase. Nothing runs
// until PhaseReached.
func (s *Scheduler) Navigate(tabID, url string) PageInfo {
	p := newPage(tabID, url)
	p.setState(StateMatching)
	if s.enabled.Load() {
		for _, sc := range s.cfg.Scripts.Enabled() {
			if !s.cfg.Matcher.Matches(url, sc.Meta) {
				continue
			}
			idx := sc.Meta.RunAt.Index()
			if idx < 0 {
				idx = metadata.RunAtDocumentIdle.Index()
			}
			p.phases[idx] = append(p.phases[idx], sc)
		}
	}
	for i := range p.phases {
		sortForInjection(p.phases[i])
	}
	p.setState(StateInjecting)

	s.mu.Lock()
	old := s.tabs[tabID]
	s.tabs[tabID] = p
	s.mu.Unlock()

	if old != nil {
		old.teardown()
	}

	info := p.info()
	slog.Debug("page context created", "tab", tabID, "url", url, "matched", len(info.Scripts))
	return info
}

// sortForInjection orders higher @priority first, then install order.
func sortForInjection(scripts []*script.Script) {
	sort.SliceStable(scripts, func(i, j int) bool {
		pi, pj := scripts[i].Meta.Priority, scripts[j].Meta.Priority
		if pi != pj {
			return pi > pj
		}
		return scripts[i].InstallSeq < scripts[j].InstallSeq
	})
}

// PhaseReached fires every phase up to and including phase that has not
// fired yet, in order, on the page loop. The returned channel closes when
// that work is done or dropped.
func (s *Scheduler) PhaseReached(tabID string, phase metadata.RunAt) (<-chan struct{}, error) {
	idx := phase.Index()
	if idx < 0 {
		return nil, apperr.Validation("unknown phase " + string(phase))
	}
	p, err := s.page(tabID)
	if err != nil {
		return nil, err
	}

	ran := make(chan struct{})
	ok := p.loop.post(func() {
		defer close(ran)
		for p.fired <= idx {
			if p.ctx.Err() != nil {
				return
			}
			s.injectPhase(p, p.fired)
			p.fired++
		}
		if p.fired == len(metadata.Phases) {
			p.setState(StateActive)
		}
	})
	if !ok {
		close(ran)
		return ran, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ran:
		case <-p.loop.exited:
		}
	}()
	return done, nil
}

func (s *Scheduler) injectPhase(p *page, idx int) {
	phase := metadata.Phases[idx]
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()

	for _, sc := range p.phases[idx] {
		if p.ctx.Err() != nil {
			return
		}
		s.inject(p, sc, phase)
	}
}

// inject runs one script. Its failure is reported and never propagated.
func (s *Scheduler) inject(p *page, sc *script.Script, phase metadata.RunAt) {
	base := events.Event{
		TabID:      p.tabID,
		PageURL:    p.url,
		ScriptID:   sc.ID,
		ScriptName: sc.Name,
		Phase:      string(phase),
	}
	report := func(label string, err error) {
		evt := base
		evt.Type = events.TypeInjectionError
		evt.Code = apperr.CodeInjection
		evt.Message = label
		evt.Error = err.Error()
		s.cfg.Events.Publish(evt)
		slog.Warn("script failed", "script", sc.Name, "tab", p.tabID, "stage", label, "error", err)
	}

	bridge := gm.New(p.ctx, gm.Config{
		Script:     sc,
		TabID:      p.tabID,
		PageID:     p.id,
		PageURL:    p.url,
		Storage:    s.cfg.Storage,
		Host:       s.cfg.Host,
		HTTPClient: s.cfg.HTTPClient,
		Events:     s.cfg.Events,
		Menu:       p.menu,
		Post:       p.loop.post,
	})
	if !p.track(bridge) {
		return
	}

	start := time.Now()
	if s.cfg.Runner != nil {
		ps, err := gm.OpenPage(p.ctx, s.cfg.Runner, bridge, gm.PageOptions{
			Timeout: s.cfg.ExecTimeout,
			OnError: report,
		})
		if err != nil {
			report("world", err)
			return
		}
		if err := ps.Run(); err != nil {
			report("body", err)
			return
		}
	} else {
		sb, err := newSandbox(sc, bridge, s.cfg.ExecTimeout, report)
		if err != nil {
			report("bind", err)
			return
		}
		if err := sb.runBody(); err != nil {
			report("body", err)
			return
		}
	}

	evt := base
	evt.Type = events.TypeInjected
	evt.Message = time.Since(start).String()
	s.cfg.Events.Publish(evt)
	slog.Debug("script injected", "script", sc.Name, "tab", p.tabID, "phase", phase)
}

// CloseTab tears down the tab's page context. Unknown tabs are ignored.
func (s *Scheduler) CloseTab(tabID string) {
	s.mu.Lock()
	p := s.tabs[tabID]
	delete(s.tabs, tabID)
	s.mu.Unlock()

	if p != nil {
		p.teardown()
	}
}

// MenuCommands lists the commands scripts registered on the tab's page.
func (s *Scheduler) MenuCommands(tabID string) ([]gm.MenuCommand, error) {
	p, err := s.page(tabID)
	if err != nil {
		return nil, err
	}
	return p.menu.List(), nil
}

// InvokeMenuCommand runs a registered command on the page loop.
func (s *Scheduler) InvokeMenuCommand(tabID, commandID string) error {
	p, err := s.page(tabID)
	if err != nil {
		return err
	}
	fn, ok := p.menu.Handler(commandID)
	if !ok {
		return apperr.NotFound("menu command not found: " + commandID)
	}
	if !p.loop.post(fn) {
		return apperr.NotFound("page closed: " + tabID)
	}
	return nil
}

// Page returns the current page context of tabID.
func (s *Scheduler) Page(tabID string) (PageInfo, error) {
	p, err := s.page(tabID)
	if err != nil {
		return PageInfo{}, err
	}
	return p.info(), nil
}

// Pages lists all live page contexts.
func (s *Scheduler) Pages() []PageInfo {
	s.mu.Lock()
	pages := make([]*page, 0, len(s.tabs))
	for _, p := range s.tabs {
		pages = append(pages, p)
	}
	s.mu.Unlock()

	out := make([]PageInfo, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Close tears down every page context.
func (s *Scheduler) Close() {
	s.mu.Lock()
	pages := s.tabs
	s.tabs = make(map[string]*page)
	s.mu.Unlock()

	for _, p := range pages {
		p.teardown()
	}
}

func (s *Scheduler) page(tabID string) (*page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tabs[tabID]
	if !ok {
		return nil, apperr.NotFound("no page for tab " + tabID)
	}
	return p, nil
}

// page is one navigation of one tab.
type page struct {
	id     string
	tabID  string
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	loop   *eventLoop
	menu   *gm.Menu
	// phases is filled before the page is published and read-only after.
	phases [3][]*script.Script

	// fired is only touched on the loop.
	fired int

	mu      sync.Mutex
	state   State
	phase   metadata.RunAt
	bridges []*gm.Bridge
}

func newPage(tabID, url string) *page {
	ctx, cancel := context.WithCancel(context.Background())
	return &page{
		id:     uuid.NewString(),
		tabID:  tabID,
		url:    url,
		ctx:    ctx,
		cancel: cancel,
		loop:   newEventLoop(),
		menu:   gm.NewMenu(),
		state:  StatePending,
	}
}

func (p *page) setState(st State) {
	p.mu.Lock()
	if p.state != StateTornDown {
		p.state = st
	}
	p.mu.Unlock()
}

// track registers a bridge for teardown. It reports false, closing the
// bridge, when the page is already gone.
func (p *page) track(b *gm.Bridge) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateTornDown {
		b.Close()
		return false
	}
	p.bridges = append(p.bridges, b)
	return true
}

func (p *page) teardown() {
	p.mu.Lock()
	if p.state == StateTornDown {
		p.mu.Unlock()
		return
	}
	p.state = StateTornDown
	bridges := p.bridges
	p.bridges = nil
	p.mu.Unlock()

	p.cancel()
	p.loop.stop()
	for _, b := range bridges {
		b.Close()
	}
	p.menu.Clear()
	slog.Debug("page context torn down", "tab", p.tabID, "url", p.url)
}

func (p *page) info() PageInfo {
	names := []string{}
	for _, part := range p.phases {
		for _, sc := range part {
			names = append(names, sc.Name)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return PageInfo{
		ID:      p.id,
		TabID:   p.tabID,
		URL:     p.url,
		State:   p.state.String(),
		Phase:   string(p.phase),
		Scripts: names,
	}
}
