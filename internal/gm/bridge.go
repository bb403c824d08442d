// Package gm implements the grant-scoped GM_* API exposed to userscripts.
//
// A Bridge is built fresh for every (script, page) pair. Each method checks
// the script's @grant set before touching a host capability and fails with a
// CapabilityDeniedError otherwise. OpenPage exposes the methods to a script
// running in an isolated page world; Bind exposes them to an otto VM. Both
// install each capability under the GM_x and GM.x names.
package gm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/script"
)

// Canonical capability names, as produced by NormalizeGrant.
const (
	CapGetValue              = "getvalue"
	CapSetValue              = "setvalue"
	CapDeleteValue           = "deletevalue"
	CapListValues            = "listvalues"
	CapXMLHTTPRequest        = "xmlhttprequest"
	CapAddStyle              = "addstyle"
	CapNotification          = "notification"
	CapRegisterMenuCommand   = "registermenucommand"
	CapUnregisterMenuCommand = "unregistermenucommand"
	CapOpenInTab             = "openintab"
	CapSetClipboard          = "setclipboard"
	CapLog                   = "log"
	CapGetResourceText       = "getresourcetext"
	CapGetResourceURL        = "getresourceurl"
)

// HostName and HostVersion are reported through GM_info.
const (
	HostName    = "gmhost"
	HostVersion = "0.4.0"
)

// Host is the browser-shell side of the bridge.
type Host interface {
	InjectStyle(ctx context.Context, tabID, css string) (string, error)
	RemoveStyle(ctx context.Context, tabID, styleID string) error
	Notify(ctx context.Context, n Notification) error
	SetClipboard(ctx context.Context, data, mimeType string) error
	OpenTab(ctx context.Context, url string, background bool) error
}

// Storage is the per-script key/value backend.
type Storage interface {
	Get(ctx context.Context, scriptID, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, scriptID, key string, value json.RawMessage) error
	Delete(ctx context.Context, scriptID, key string) error
	ListKeys(ctx context.Context, scriptID string) ([]string, error)
}

// Notification is a host-level toast.
type Notification struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
	// Source is the name of the script that raised it.
	Source string `json:"source"`
}

// Config wires a Bridge to one page context.
type Config struct {
	Script  *script.Script
	TabID   string
	PageID  string
	PageURL string

	Storage    Storage
	Host       Host
	HTTPClient *http.Client
	Events     events.Publisher
	Menu       *Menu

	// Post schedules fn on the page's event loop and reports false once the
	// page has been torn down.
	Post func(fn func()) bool

	// HostTimeout bounds calls into Host made outside the page lifecycle.
	HostTimeout time.Duration
}

// Bridge is the capability-gated API of one script on one page.
type Bridge struct {
	cfg    Config
	ctx    context.Context
	grants map[string]bool
	log    *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending map[string]*PendingRequest
	styles  []string
	closers []func()
}

// New builds a bridge whose lifetime is bound to ctx (the page context).
func New(ctx context.Context, cfg Config) *Bridge {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = 10 * time.Second
	}
	if cfg.Post == nil {
		cfg.Post = func(fn func()) bool { fn(); return true }
	}
	return &Bridge{
		cfg:     cfg,
		ctx:     ctx,
		grants:  Grants(cfg.Script.Meta.Grants),
		log:     slog.Default().With("script", cfg.Script.Name, "tab", cfg.TabID, "page", cfg.PageID),
		pending: make(map[string]*PendingRequest),
	}
}

// NormalizeGrant maps "GM_getValue", "GM.getValue" and "getValue" to
// "getvalue". Anything else is returned lower-cased.
func NormalizeGrant(g string) string {
	g = strings.TrimSpace(g)
	switch {
	case strings.HasPrefix(g, "GM_"):
		g = g[3:]
	case strings.HasPrefix(g, "GM."):
		g = g[3:]
	}
	return strings.ToLower(g)
}

// Grants builds the capability set from @grant values. "none" grants nothing.
func Grants(raw []string) map[string]bool {
	out := make(map[string]bool, len(raw))
	for _, g := range raw {
		n := NormalizeGrant(g)
		if n == "" || n == "none" {
			continue
		}
		out[n] = true
	}
	return out
}

// Granted reports whether capability (canonical name) was granted.
func (b *Bridge) Granted(capability string) bool {
	return b.grants[capability]
}

func (b *Bridge) check(capability string) error {
	if !b.grants[capability] {
		return apperr.CapabilityDenied(capability)
	}
	return nil
}

// Script returns the script this bridge serves.
func (b *Bridge) Script() *script.Script { return b.cfg.Script }

// Info is the read-only GM_info descriptor.
type Info struct {
	Script           InfoScript `json:"script"`
	ScriptMetaStr    string     `json:"scriptMetaStr"`
	ScriptHandler    string     `json:"scriptHandler"`
	Version          string     `json:"version"`
	ScriptWillUpdate bool       `json:"scriptWillUpdate"`
}

// InfoScript describes the running script inside Info.
type InfoScript struct {
	Name        string            `json:"name"`
	Namespace   string            `json:"namespace"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Author      string            `json:"author"`
	Grants      []string          `json:"grant"`
	Includes    []string          `json:"includes"`
	Matches     []string          `json:"matches"`
	Excludes    []string          `json:"excludes"`
	RunAt       string            `json:"run-at"`
	Resources   map[string]string `json:"resources"`
}

// Info is always readable; it needs no grant.
func (b *Bridge) Info() Info {
	md := b.cfg.Script.Meta
	res := make(map[string]string, len(md.Resources))
	for _, r := range md.Resources {
		res[r.Name] = r.URL
	}
	return Info{
		Script: InfoScript{
			Name:        md.Name,
			Namespace:   md.Namespace,
			Version:     md.Version,
			Description: md.Description,
			Author:      md.Author,
			Grants:      nonNil(md.Grants),
			Includes:    nonNil(md.Includes),
			Matches:     nonNil(md.Matches),
			Excludes:    nonNil(md.Excludes),
			RunAt:       string(md.RunAt),
			Resources:   res,
		},
		ScriptMetaStr:    md.Raw,
		ScriptHandler:    HostName,
		Version:          HostVersion,
		ScriptWillUpdate: md.UpdateSource() != "",
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetValue returns the stored JSON value for key.
func (b *Bridge) GetValue(key string) (json.RawMessage, bool, error) {
	if err := b.check(CapGetValue); err != nil {
		return nil, false, err
	}
	return b.cfg.Storage.Get(b.storageCtx(), b.cfg.Script.ID, key)
}

// SetValue stores a JSON value and returns after the write is durable.
func (b *Bridge) SetValue(key string, value json.RawMessage) error {
	if err := b.check(CapSetValue); err != nil {
		return err
	}
	return b.cfg.Storage.Set(b.storageCtx(), b.cfg.Script.ID, key, value)
}

func (b *Bridge) DeleteValue(key string) error {
	if err := b.check(CapDeleteValue); err != nil {
		return err
	}
	return b.cfg.Storage.Delete(b.storageCtx(), b.cfg.Script.ID, key)
}

func (b *Bridge) ListValues() ([]string, error) {
	if err := b.check(CapListValues); err != nil {
		return nil, err
	}
	return b.cfg.Storage.ListKeys(b.storageCtx(), b.cfg.Script.ID)
}

// valueSnapshot returns every stored value when the script may read them,
// and nothing otherwise.
func (b *Bridge) valueSnapshot() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if !b.Granted(CapGetValue) && !b.Granted(CapListValues) {
		return out, nil
	}
	ctx := b.storageCtx()
	keys, err := b.cfg.Storage.ListKeys(ctx, b.cfg.Script.ID)
	if err != nil {
		return nil, apperr.Storage("list values", err)
	}
	for _, k := range keys {
		v, ok, err := b.cfg.Storage.Get(ctx, b.cfg.Script.ID, k)
		if err != nil {
			return nil, apperr.Storage("read value "+k, err)
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// storageCtx detaches storage writes from page teardown so a set that has
// started always completes.
func (b *Bridge) storageCtx() context.Context {
	return context.WithoutCancel(b.ctx)
}

// AddStyle injects css into the page. The style is removed on Close.
func (b *Bridge) AddStyle(css string) (string, error) {
	if err := b.check(CapAddStyle); err != nil {
		return "", err
	}
	styleID, err := b.cfg.Host.InjectStyle(b.ctx, b.cfg.TabID, css)
	if err != nil {
		return "", apperr.Injection("add style", err)
	}

	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.styles = append(b.styles, styleID)
	}
	b.mu.Unlock()
	if closed {
		b.removeStyle(styleID)
	}
	return styleID, nil
}

// Notification raises a host notification. It outlives the page.
func (b *Bridge) Notification(n Notification) error {
	if err := b.check(CapNotification); err != nil {
		return err
	}
	n.Source = b.cfg.Script.Name
	if n.Title == "" {
		n.Title = b.cfg.Script.Name
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HostTimeout)
	defer cancel()
	if err := b.cfg.Host.Notify(ctx, n); err != nil {
		return apperr.Network("notification", err)
	}
	return nil
}

// RegisterMenuCommand adds a page-scoped command. fn runs on the page loop.
func (b *Bridge) RegisterMenuCommand(label string, fn func()) (string, error) {
	if err := b.check(CapRegisterMenuCommand); err != nil {
		return "", err
	}
	if b.cfg.Menu == nil {
		return "", apperr.Injection("menu commands unavailable on this page", nil)
	}
	return b.cfg.Menu.add(b.cfg.Script, label, fn), nil
}

func (b *Bridge) UnregisterMenuCommand(id string) error {
	if err := b.check(CapUnregisterMenuCommand); err != nil {
		return err
	}
	if b.cfg.Menu != nil {
		b.cfg.Menu.remove(b.cfg.Script.ID, id)
	}
	return nil
}

// OpenInTab asks the host to open rawURL, resolved against the page URL.
func (b *Bridge) OpenInTab(rawURL string, background bool) error {
	if err := b.check(CapOpenInTab); err != nil {
		return err
	}
	target, err := b.resolve(rawURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HostTimeout)
	defer cancel()
	if err := b.cfg.Host.OpenTab(ctx, target.String(), background); err != nil {
		return apperr.Injection("open tab", err)
	}
	return nil
}

func (b *Bridge) SetClipboard(data, mimeType string) error {
	if err := b.check(CapSetClipboard); err != nil {
		return err
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HostTimeout)
	defer cancel()
	if err := b.cfg.Host.SetClipboard(ctx, data, mimeType); err != nil {
		return apperr.Injection("set clipboard", err)
	}
	return nil
}

// Log writes to the host diagnostic sink.
func (b *Bridge) Log(msg string) error {
	if err := b.check(CapLog); err != nil {
		return err
	}
	b.Diagnostic(slog.LevelInfo, msg)
	return nil
}

// Diagnostic records msg from the script without a grant check. console.*
// inside scripts lands here.
func (b *Bridge) Diagnostic(level slog.Level, msg string) {
	b.log.Log(context.Background(), level, "script output", "message", msg)
	b.cfg.Events.Publish(events.Event{
		Type:       events.TypeScriptLog,
		TabID:      b.cfg.TabID,
		PageURL:    b.cfg.PageURL,
		ScriptID:   b.cfg.Script.ID,
		ScriptName: b.cfg.Script.Name,
		Level:      strings.ToLower(level.String()),
		Message:    msg,
	})
}

func (b *Bridge) GetResourceText(name string) (string, error) {
	if err := b.check(CapGetResourceText); err != nil {
		return "", err
	}
	res, err := b.resource(name)
	if err != nil {
		return "", err
	}
	return string(res.Data), nil
}

// GetResourceURL returns the resource as a data: URL.
func (b *Bridge) GetResourceURL(name string) (string, error) {
	if err := b.check(CapGetResourceURL); err != nil {
		return "", err
	}
	res, err := b.resource(name)
	if err != nil {
		return "", err
	}
	ctype := res.ContentType
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(res.Data), nil
}

func (b *Bridge) resource(name string) (script.CachedResource, error) {
	res, ok := b.cfg.Script.Resources[name]
	if !ok {
		return script.CachedResource{}, apperr.NotFound(fmt.Sprintf("resource %q not found", name))
	}
	return res, nil
}

func (b *Bridge) resolve(rawURL string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("invalid url %q", rawURL))
	}
	if base, err := url.Parse(b.cfg.PageURL); err == nil && b.cfg.PageURL != "" {
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "http" && ref.Scheme != "https" {
		return nil, apperr.Validation(fmt.Sprintf("unsupported url %q", rawURL))
	}
	return ref, nil
}

// onClose registers fn to run on Close. It reports false, without
// registering, when the bridge is already closed.
func (b *Bridge) onClose(fn func()) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closers = append(b.closers, fn)
	return true
}

// Close tears the bridge down: pending requests are aborted without
// callbacks, injected styles removed and menu commands dropped.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := b.pending
	b.pending = map[string]*PendingRequest{}
	styles := b.styles
	b.styles = nil
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	for _, p := range pending {
		p.abort()
	}
	for _, id := range styles {
		b.removeStyle(id)
	}
	if b.cfg.Menu != nil {
		b.cfg.Menu.removeScript(b.cfg.Script.ID)
	}
	for _, fn := range closers {
		fn()
	}
}

func (b *Bridge) removeStyle(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HostTimeout)
	defer cancel()
	if err := b.cfg.Host.RemoveStyle(ctx, b.cfg.TabID, id); err != nil {
		b.log.Debug("style removal failed", "style", id, "error", err)
	}
}
