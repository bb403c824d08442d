// Package engine is the facade the shell talks to: it owns the install set,
// the value store, the injection scheduler and the update checker.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/inject"
	"github.com/dgnsrekt/gmhost/internal/kvstore"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/dgnsrekt/gmhost/internal/templates"
	"github.com/dgnsrekt/gmhost/internal/update"
)

// LocalNamespace is used for scripts authored without @namespace and with
// no source URL to derive one from.
const LocalNamespace = "gmhost.local"

type Options struct {
	DataDir    string
	Host       gm.Host
	HTTPClient *http.Client
	// ScriptHTTPClient serves GM_xmlhttpRequest, whose timeouts are per
	// request. Defaults to HTTPClient without its Timeout.
	ScriptHTTPClient *http.Client
	// Runner runs scripts inside page documents. Nil keeps them in the
	// host-side VM.
	Runner            gm.PageRunner
	Events            events.Publisher
	ExecTimeout       time.Duration
	UpdateInterval    time.Duration
	UpdateConcurrency int
	FetchTimeout      time.Duration
}

type Service struct {
	scripts *script.Store
	values  *kvstore.Store
	sched   *inject.Scheduler
	updater *update.Updater
	client  *http.Client
	events  events.Publisher
	fetchTO time.Duration
}

// Open loads <DataDir>/scripts and <DataDir>/storage.db and wires the
// scheduler and updater over them.
func Open(opts Options) (*Service, error) {
	if opts.DataDir == "" {
		return nil, apperr.Validation("data dir is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ScriptHTTPClient == nil {
		c := *opts.HTTPClient
		c.Timeout = 0
		opts.ScriptHTTPClient = &c
	}
	if opts.Events == nil {
		opts.Events = events.Discard{}
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}

	scripts, err := script.NewStore(filepath.Join(opts.DataDir, "scripts"))
	if err != nil {
		return nil, err
	}
	values, err := kvstore.Open(filepath.Join(opts.DataDir, "storage.db"))
	if err != nil {
		return nil, err
	}

	s := &Service{
		scripts: scripts,
		values:  values,
		client:  opts.HTTPClient,
		events:  opts.Events,
		fetchTO: opts.FetchTimeout,
	}
	s.sched = inject.New(inject.Config{
		Scripts:     scripts,
		Storage:     values,
		Host:        opts.Host,
		HTTPClient:  opts.ScriptHTTPClient,
		Events:      opts.Events,
		ExecTimeout: opts.ExecTimeout,
		Runner:      opts.Runner,
	})
	s.updater = update.New(update.Config{
		Scripts:      scripts,
		HTTPClient:   opts.HTTPClient,
		Events:       opts.Events,
		Interval:     opts.UpdateInterval,
		FetchTimeout: opts.FetchTimeout,
		Concurrency:  opts.UpdateConcurrency,
		Prepare:      s.fetchDependencies,
	})
	return s, nil
}

// Scheduler exposes page lifecycle entry points to the browser host.
func (s *Service) Scheduler() *inject.Scheduler { return s.sched }

// Run drives scheduled update checks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.updater.Run(ctx)
}

func (s *Service) Close() error {
	s.sched.Close()
	return s.values.Close()
}

// InstallFromURL fetches a script and installs it, replacing any installed
// script with the same namespace and name.
func (s *Service) InstallFromURL(ctx context.Context, rawURL string) (*script.Script, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file") {
		return nil, apperr.Validation(fmt.Sprintf("install url must be http, https or file: %q", rawURL))
	}

	var src string
	if u.Scheme == "file" {
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, apperr.Storage("read "+u.Path, err)
		}
		src = string(data)
	} else {
		fctx, cancel := context.WithTimeout(ctx, s.fetchTO)
		defer cancel()
		if src, err = update.Fetch(fctx, s.client, rawURL); err != nil {
			return nil, err
		}
	}
	return s.install(ctx, src, rawURL)
}

// InstallFile installs a script from a local *.user.js file.
func (s *Service) InstallFile(ctx context.Context, path string) (*script.Script, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, apperr.Validation(fmt.Sprintf("bad path %q: %v", path, err))
	}
	return s.InstallFromURL(ctx, (&url.URL{Scheme: "file", Path: abs}).String())
}

// InstallSource installs hand-authored script text.
func (s *Service) InstallSource(ctx context.Context, src string) (*script.Script, error) {
	return s.install(ctx, src, "")
}

// InstallTemplate installs a built-in template by name.
func (s *Service) InstallTemplate(ctx context.Context, name string) (*script.Script, error) {
	tpl, err := templates.Get(name)
	if err != nil {
		return nil, err
	}
	return s.install(ctx, tpl.Source, "")
}

// Templates lists the built-in template catalogue.
func (s *Service) Templates() ([]templates.Template, error) {
	return templates.List()
}

func (s *Service) install(ctx context.Context, src, sourceURL string) (*script.Script, error) {
	md, err := metadata.Parse(src)
	if err != nil {
		return nil, err
	}
	if md.GeneratedNamespace {
		md.Namespace = namespaceFor(sourceURL)
	}

	now := time.Now().UTC()
	sc := &script.Script{
		ID:          script.IDFor(md.Namespace, md.Name),
		Namespace:   md.Namespace,
		Name:        md.Name,
		Enabled:     true,
		InstalledAt: now,
		UpdatedAt:   now,
		SourceURL:   sourceURL,
		Meta:        md,
		Source:      src,
	}
	replaced := false
	if prev, err := s.scripts.Get(sc.ID); err == nil {
		sc.Enabled = prev.Enabled
		sc.InstallSeq = prev.InstallSeq
		sc.InstalledAt = prev.InstalledAt
		replaced = true
	}

	if err := s.fetchDependencies(ctx, sc); err != nil {
		return nil, err
	}
	if err := s.scripts.Put(sc); err != nil {
		return nil, err
	}

	slog.Info("script installed", "id", sc.ID, "name", sc.Name, "version", md.Version, "replaced", replaced)
	msg := "installed"
	if replaced {
		msg = "reinstalled"
	}
	s.events.Publish(events.Event{Type: events.TypeInstalled, ScriptID: sc.ID, ScriptName: sc.Name, Message: msg})
	return sc, nil
}

// namespaceFor derives a namespace from where the script came from.
func namespaceFor(sourceURL string) string {
	if u, err := url.Parse(sourceURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return LocalNamespace
}

// Edit replaces a script's source. The edited text must keep the script's
// name and namespace; values stored by the script are kept.
func (s *Service) Edit(ctx context.Context, id, src string) (*script.Script, error) {
	prev, err := s.scripts.Get(id)
	if err != nil {
		return nil, err
	}
	md, err := metadata.Parse(src)
	if err != nil {
		return nil, err
	}
	if md.GeneratedNamespace {
		md.Namespace = prev.Namespace
	}
	if md.Namespace != prev.Namespace || md.Name != prev.Name {
		return nil, apperr.Validation(fmt.Sprintf("edit cannot change identity %s/%s; install it as a new script", prev.Namespace, prev.Name))
	}

	next := prev.Clone()
	next.Source = src
	next.Meta = md
	next.UpdatedAt = time.Now().UTC()
	if err := s.fetchDependencies(ctx, next); err != nil {
		return nil, err
	}
	if err := s.scripts.Put(next); err != nil {
		return nil, err
	}
	slog.Info("script edited", "id", id, "name", next.Name, "version", md.Version)
	s.events.Publish(events.Event{Type: events.TypeInstalled, ScriptID: id, ScriptName: next.Name, Message: "edited"})
	return next, nil
}

// SetEnabled toggles one script. Pages already loaded are not affected.
func (s *Service) SetEnabled(id string, enabled bool) error {
	if err := s.scripts.SetEnabled(id, enabled); err != nil {
		return err
	}
	sc, _ := s.scripts.Get(id)
	name := ""
	if sc != nil {
		name = sc.Name
	}
	s.events.Publish(events.Event{Type: events.TypeToggled, ScriptID: id, ScriptName: name, Message: fmt.Sprintf("enabled=%v", enabled)})
	return nil
}

// Delete uninstalls a script and drops every value it stored.
func (s *Service) Delete(ctx context.Context, id string) error {
	sc, err := s.scripts.Get(id)
	if err != nil {
		return err
	}
	if err := s.scripts.Delete(id); err != nil {
		return err
	}
	if err := s.values.DeleteNamespace(ctx, id); err != nil {
		return err
	}
	slog.Info("script deleted", "id", id, "name", sc.Name)
	s.events.Publish(events.Event{Type: events.TypeRemoved, ScriptID: id, ScriptName: sc.Name})
	return nil
}

func (s *Service) List() []*script.Script { return s.scripts.List() }

func (s *Service) Get(id string) (*script.Script, error) { return s.scripts.Get(id) }

// Values returns every value a script has stored.
func (s *Service) Values(ctx context.Context, id string) (map[string]json.RawMessage, error) {
	if _, err := s.scripts.Get(id); err != nil {
		return nil, err
	}
	keys, err := s.values.ListKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		v, ok, err := s.values.Get(ctx, id, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// CheckUpdates runs one update pass now.
func (s *Service) CheckUpdates(ctx context.Context) []update.Result {
	return s.updater.CheckAll(ctx)
}

// SetEngineEnabled is the global injection switch.
func (s *Service) SetEngineEnabled(enabled bool) { s.sched.SetEnabled(enabled) }

func (s *Service) EngineEnabled() bool { return s.sched.Enabled() }
