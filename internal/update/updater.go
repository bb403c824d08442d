// Package update polls script update URLs on a timer and installs newer
// versions in place.
package update

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/dgnsrekt/gmhost/internal/script"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval     = 12 * time.Hour
	defaultFetchTimeout = 30 * time.Second
	defaultConcurrency  = 4

	// MaxScriptBytes caps any fetched script or resource body.
	MaxScriptBytes = 8 << 20
)

// Store is the slice of the script store the updater needs.
type Store interface {
	List() []*script.Script
	Get(id string) (*script.Script, error)
	Put(sc *script.Script) error
}

// Config controls polling.
type Config struct {
	Scripts      Store
	HTTPClient   *http.Client
	Events       events.Publisher
	Interval     time.Duration
	FetchTimeout time.Duration
	Concurrency  int
	// Prepare runs on the new version before it is stored, e.g. to fetch
	// @require and @resource bodies. An error keeps the old version.
	Prepare func(ctx context.Context, sc *script.Script) error
}

// Result is the outcome of one script's check.
type Result struct {
	ScriptID string `json:"script_id"`
	Name     string `json:"name"`
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	Updated  bool   `json:"updated"`
	Error    string `json:"error,omitempty"`
}

type Updater struct {
	cfg Config
}

func New(cfg Config) *Updater {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Updater{cfg: cfg}
}

// Run checks every script on each tick until ctx is done. Failed checks are
// simply retried on the next tick.
func (u *Updater) Run(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()

	slog.Info("update checker started", "interval", u.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("update checker stopped")
			return
		case <-ticker.C:
			u.CheckAll(ctx)
		}
	}
}

// CheckAll checks every script that declares an update source. Checks run
// concurrently and never affect each other.
func (u *Updater) CheckAll(ctx context.Context) []Result {
	var candidates []*script.Script
	for _, sc := range u.cfg.Scripts.List() {
		if sc.Meta != nil && sc.Meta.UpdateSource() != "" {
			candidates = append(candidates, sc)
		}
	}

	results := make([]Result, len(candidates))
	var g errgroup.Group
	g.SetLimit(u.cfg.Concurrency)
	for i, sc := range candidates {
		g.Go(func() error {
			results[i] = u.Check(ctx, sc)
			return nil
		})
	}
	_ = g.Wait()

	updated := 0
	for _, r := range results {
		if r.Updated {
			updated++
		}
	}
	slog.Info("update check finished", "checked", len(results), "updated", updated)
	return results
}

// Check fetches sc's update source and installs the remote version if it
// is newer.
func (u *Updater) Check(ctx context.Context, sc *script.Script) Result {
	res := Result{ScriptID: sc.ID, Name: sc.Name, From: sc.Meta.Version}

	to, err := u.check(ctx, sc)
	if err != nil {
		res.Error = err.Error()
		slog.Warn("update check failed", "script", sc.Name, "code", apperr.CodeOf(err), "error", err)
		u.cfg.Events.Publish(events.Event{
			Type:       events.TypeUpdateFailed,
			ScriptID:   sc.ID,
			ScriptName: sc.Name,
			Code:       apperr.CodeOf(err),
			Error:      err.Error(),
		})
		return res
	}
	if to == "" {
		slog.Debug("script up to date", "script", sc.Name, "version", sc.Meta.Version)
		return res
	}

	res.To = to
	res.Updated = true
	slog.Info("script updated", "script", sc.Name, "from", res.From, "to", to)
	u.cfg.Events.Publish(events.Event{
		Type:       events.TypeUpdated,
		ScriptID:   sc.ID,
		ScriptName: sc.Name,
		Message:    fmt.Sprintf("%s -> %s", res.From, to),
	})
	return res
}

// check returns the installed version, or "" when nothing changed.
func (u *Updater) check(ctx context.Context, sc *script.Script) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.FetchTimeout)
	defer cancel()

	probe := sc.Meta.UpdateSource()
	if isMetaURL(probe) {
		head, err := Fetch(ctx, u.cfg.HTTPClient, probe)
		if err != nil {
			return "", err
		}
		md, err := metadata.Parse(head)
		if err != nil {
			return "", err
		}
		if !metadata.IsNewer(md.Version, sc.Meta.Version) {
			return "", nil
		}
	}

	src, err := Fetch(ctx, u.cfg.HTTPClient, bodyURL(sc.Meta))
	if err != nil {
		return "", err
	}
	md, err := metadata.Parse(src)
	if err != nil {
		return "", err
	}
	if !metadata.IsNewer(md.Version, sc.Meta.Version) {
		return "", nil
	}
	if md.GeneratedNamespace {
		// Installed without @namespace: the stored one came from the
		// install URL and a fresh parse cannot reproduce it.
		md.Namespace = sc.Namespace
	}
	if ns, name := md.Identity(); ns != sc.Namespace || name != sc.Name {
		return "", apperr.Metadata(fmt.Sprintf("remote script identity %s/%s does not match %s/%s", ns, name, sc.Namespace, sc.Name), nil)
	}

	next := sc.Clone()
	next.Source = src
	next.Meta = md
	next.UpdatedAt = time.Now().UTC()
	if u.cfg.Prepare != nil {
		if err := u.cfg.Prepare(ctx, next); err != nil {
			return "", err
		}
	}

	// The user may have toggled the script while we were fetching.
	if cur, err := u.cfg.Scripts.Get(sc.ID); err == nil {
		next.Enabled = cur.Enabled
		next.InstallSeq = cur.InstallSeq
	} else if apperr.Is(err, apperr.CodeNotFound) {
		return "", err
	}
	if err := u.cfg.Scripts.Put(next); err != nil {
		return "", err
	}
	return md.Version, nil
}

func isMetaURL(raw string) bool {
	path, _, _ := strings.Cut(raw, "?")
	return strings.HasSuffix(path, ".meta.js")
}

// bodyURL is where the full script lives: @downloadURL, else the update URL
// with .meta.js swapped for .user.js.
func bodyURL(md *metadata.Metadata) string {
	if md.DownloadURL != "" {
		return md.DownloadURL
	}
	if isMetaURL(md.UpdateURL) {
		path, query, hasQuery := strings.Cut(md.UpdateURL, "?")
		path = strings.TrimSuffix(path, ".meta.js") + ".user.js"
		if hasQuery {
			return path + "?" + query
		}
		return path
	}
	return md.UpdateURL
}

// Fetch GETs a script or resource body. Any transport failure or non-2xx
// status is a NetworkError.
func Fetch(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	body, _, err := FetchBytes(ctx, client, rawURL)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// FetchBytes is Fetch returning the raw body and its content type.
func FetchBytes(ctx context.Context, client *http.Client, rawURL string) ([]byte, string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", apperr.Validation(fmt.Sprintf("bad url %q: %v", rawURL, err))
	}
	req.Header.Set("Accept", "text/javascript, application/javascript, text/plain, */*")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", apperr.Network("fetch "+rawURL, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, "", apperr.Network(fmt.Sprintf("fetch %s: status=%d", rawURL, resp.StatusCode), nil)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxScriptBytes+1))
	if err != nil {
		return nil, "", apperr.Network("read "+rawURL, err)
	}
	if len(body) > MaxScriptBytes {
		return nil, "", apperr.Network(fmt.Sprintf("fetch %s: body exceeds %d bytes", rawURL, MaxScriptBytes), nil)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
