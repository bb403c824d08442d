// Package host is the desktop side of the GM bridge: notifications go to
// ntfy, clipboard writes to the system clipboard and page work to the
// attached browser.
package host

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/notify"
)

var errNoBrowser = errors.New("no browser attached")

// Pages is the part of the host that needs a live browser.
type Pages interface {
	InjectStyle(ctx context.Context, tabID, css string) (string, error)
	RemoveStyle(ctx context.Context, tabID, styleID string) error
	OpenTab(ctx context.Context, url string, background bool) error
	OpenWorld(ctx context.Context, tabID, name string, calls func(payload string)) (gm.World, error)
}

type Config struct {
	// NtfyURL is the topic endpoint for notifications. Empty logs them only.
	NtfyURL    string
	HTTPClient *http.Client
}

// Host implements gm.Host and gm.PageRunner.
type Host struct {
	cfg Config

	mu    sync.RWMutex
	pages Pages

	writeClipboard func(string) error
}

var (
	_ gm.Host       = (*Host)(nil)
	_ gm.PageRunner = (*Host)(nil)
)

func New(cfg Config) *Host {
	return &Host{cfg: cfg, writeClipboard: clipboard.WriteAll}
}

// Attach routes page operations to p. Until then they fail.
func (h *Host) Attach(p Pages) {
	h.mu.Lock()
	h.pages = p
	h.mu.Unlock()
}

func (h *Host) browser() (Pages, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.pages == nil {
		return nil, errNoBrowser
	}
	return h.pages, nil
}

func (h *Host) InjectStyle(ctx context.Context, tabID, css string) (string, error) {
	p, err := h.browser()
	if err != nil {
		return "", err
	}
	return p.InjectStyle(ctx, tabID, css)
}

func (h *Host) RemoveStyle(ctx context.Context, tabID, styleID string) error {
	p, err := h.browser()
	if err != nil {
		return err
	}
	return p.RemoveStyle(ctx, tabID, styleID)
}

func (h *Host) OpenTab(ctx context.Context, url string, background bool) error {
	p, err := h.browser()
	if err != nil {
		return err
	}
	return p.OpenTab(ctx, url, background)
}

func (h *Host) OpenWorld(ctx context.Context, tabID, name string, calls func(string)) (gm.World, error) {
	p, err := h.browser()
	if err != nil {
		return nil, err
	}
	return p.OpenWorld(ctx, tabID, name, calls)
}

func (h *Host) Notify(ctx context.Context, n gm.Notification) error {
	slog.Info("script notification", "source", n.Source, "title", n.Title, "text", n.Text)
	if h.cfg.NtfyURL == "" {
		return nil
	}
	return notify.Send(ctx, h.cfg.HTTPClient, h.cfg.NtfyURL, notify.Message{
		Title: n.Title,
		Text:  n.Text,
		Icon:  n.Image,
		Tags:  []string{"gmhost", n.Source},
	})
}

// SetClipboard writes text types to the system clipboard.
func (h *Host) SetClipboard(_ context.Context, data, mimeType string) error {
	if !strings.HasPrefix(mimeType, "text/") {
		return apperr.Validation("clipboard only accepts text types, got " + mimeType)
	}
	if clipboard.Unsupported {
		return errors.New("system clipboard unavailable")
	}
	return h.writeClipboard(data)
}
