package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, evt)
}

func (r *recorder) messages(typ string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.evs {
		if e.Type == typ {
			out = append(out, e.Message)
		}
	}
	return out
}

type nopHost struct{}

func (nopHost) InjectStyle(context.Context, string, string) (string, error) { return "s1", nil }
func (nopHost) RemoveStyle(context.Context, string, string) error { return nil }
func (nopHost) Notify(context.Context, gm.Notification) error { return nil }
func (nopHost) SetClipboard(context.Context, string, string) error { return nil }
func (nopHost) OpenTab(context.Context, string, bool) error { return nil }

func newService(t *testing.T) (*Service, *recorder, string) {
	t.Helper()
	dir := t.TempDir()
	rec := &recorder{}
	svc, err := Open(Options{DataDir: dir, Host: nopHost{}, Events: rec, ExecTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, rec, dir
}

// site serves paths from a map that tests can change between requests.
type site struct {
	mu    sync.Mutex
	files map[string]string
}

func (s *site) set(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = body
}

func newSite(t *testing.T) (*site, *httptest.Server) {
	t.Helper()
	s := &site{files: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		body, ok := s.files[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func runOn(t *testing.T, svc *Service, tabID, pageURL string) {
	t.Helper()
	sched := svc.Scheduler()
	sched.Navigate(tabID, pageURL)
	done, err := sched.PhaseReached(tabID, metadata.RunAtDocumentIdle)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("injection never finished")
	}
}

func TestInstallFromURLFetchesDependencies(t *testing.T) {
	files, srv := newSite(t)
	files.set("/lib/helper.js", "function helper() { return 'from-require'; }")
	files.set("/style.css", "body { color: red; }")
	files.set("/tool.user.js", `// ==UserScript==
// @name        Tool
// @version     1.0
// @include     *
// @require     lib/helper.js
// @resource    css `+srv.URL+`/style.css
// @grant       GM_getResourceText
// @grant       GM_setValue
// ==/UserScript==
GM_setValue('seen', helper() + ':' + GM_getResourceText('css'));
`)

	svc, rec, _ := newService(t)
	sc, err := svc.InstallFromURL(context.Background(), srv.URL+"/tool.user.js")
	require.NoError(t, err)

	u, _ := url.Parse(srv.URL)
	assert.Equal(t, u.Hostname(), sc.Namespace)
	assert.Equal(t, script.IDFor(u.Hostname(), "Tool"), sc.ID)
	require.Len(t, sc.Requires, 1)
	assert.Equal(t, srv.URL+"/lib/helper.js", sc.Requires[0].URL)
	assert.Equal(t, "body { color: red; }", string(sc.Resources["css"].Data))
	assert.Equal(t, []string{"installed"}, rec.messages(events.TypeInstalled))

	runOn(t, svc, "tab-1", "https://any.example/")

	values, err := svc.Values(context.Background(), sc.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `"from-require:body { color: red; }"`, string(values["seen"]))
}

func TestInstallRejectsMissingDependency(t *testing.T) {
	files, srv := newSite(t)
	files.set("/x.user.js", "// ==UserScript==\n// @name X\n// @require "+srv.URL+"/missing.js\n// ==/UserScript==\n")

	svc, _, _ := newService(t)
	_, err := svc.InstallFromURL(context.Background(), srv.URL+"/x.user.js")
	assert.True(t, apperr.Is(err, apperr.CodeNetwork), "err = %v", err)
	assert.Empty(t, svc.List())
}

func TestInstallRejectsBadMetadata(t *testing.T) {
	svc, _, _ := newService(t)

	_, err := svc.InstallSource(context.Background(), "console.log('no header');")
	assert.True(t, apperr.Is(err, apperr.CodeMetadata))

	_, err = svc.InstallFromURL(context.Background(), "ftp://example.com/x.user.js")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestReinstallKeepsStateAndIdentity(t *testing.T) {
	svc, rec, _ := newService(t)
	ctx := context.Background()

	first, err := svc.InstallSource(ctx, "// ==UserScript==\n// @name Local\n// @version 1\n// ==/UserScript==\n")
	require.NoError(t, err)
	assert.Equal(t, LocalNamespace, first.Namespace)
	other, err := svc.InstallSource(ctx, "// ==UserScript==\n// @name Other\n// ==/UserScript==\n")
	require.NoError(t, err)

	require.NoError(t, svc.SetEnabled(first.ID, false))
	again, err := svc.InstallSource(ctx, "// ==UserScript==\n// @name Local\n// @version 2\n// ==/UserScript==\n")
	require.NoError(t, err)

	want := struct {
		ID         string
		Enabled    bool
		InstallSeq int64
	}{first.ID, false, first.InstallSeq}
	got := struct {
		ID         string
		Enabled    bool
		InstallSeq int64
	}{again.ID, again.Enabled, again.InstallSeq}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("reinstall mismatch (-want +got):\n%s", diff)
	}

	names := []string{}
	for _, sc := range svc.List() {
		names = append(names, sc.Name)
	}
	assert.Equal(t, []string{"Local", "Other"}, names)
	assert.NotEqual(t, other.ID, first.ID)
	assert.Equal(t, []string{"installed", "installed", "reinstalled"}, rec.messages(events.TypeInstalled))
	assert.Equal(t, []string{"enabled=false"}, rec.messages(events.TypeToggled))
}

func TestEditKeepsValuesAndIdentity(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	sc, err := svc.InstallSource(ctx, "// ==UserScript==\n// @name Counter\n// @include *\n// @grant GM_setValue\n// @grant GM_getValue\n// ==/UserScript==\nGM_setValue('n', GM_getValue('n', 0) + 1);\n")
	require.NoError(t, err)
	runOn(t, svc, "tab-1", "https://a.example/")

	edited, err := svc.Edit(ctx, sc.ID, "// ==UserScript==\n// @name Counter\n// @version 2\n// @include *\n// @grant GM_setValue\n// @grant GM_getValue\n// ==/UserScript==\nGM_setValue('n', GM_getValue('n', 0) + 10);\n")
	require.NoError(t, err)
	assert.Equal(t, sc.ID, edited.ID)
	assert.Equal(t, "2", edited.Meta.Version)
	runOn(t, svc, "tab-1", "https://a.example/")

	values, err := svc.Values(ctx, sc.ID)
	require.NoError(t, err)
	assert.JSONEq(t, "11", string(values["n"]))

	_, err = svc.Edit(ctx, sc.ID, "// ==UserScript==\n// @name Renamed\n// ==/UserScript==\n")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = svc.Edit(ctx, script.IDFor("x", "y"), "// ==UserScript==\n// @name y\n// ==/UserScript==\n")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestDeleteCascadesToValues(t *testing.T) {
	svc, rec, dir := newService(t)
	ctx := context.Background()

	sc, err := svc.InstallSource(ctx, "// ==UserScript==\n// @name Gone\n// @include *\n// @grant GM_setValue\n// ==/UserScript==\nGM_setValue('k', {a: [1, 2]});\n")
	require.NoError(t, err)
	runOn(t, svc, "tab-1", "https://a.example/")

	values, err := svc.Values(ctx, sc.ID)
	require.NoError(t, err)
	require.Len(t, values, 1)

	require.NoError(t, svc.Delete(ctx, sc.ID))
	_, err = svc.Get(sc.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	assert.Len(t, rec.messages(events.TypeRemoved), 1)

	// Reinstalling the same identity starts with an empty namespace.
	sc, err = svc.InstallSource(ctx, "// ==UserScript==\n// @name Gone\n// ==/UserScript==\n")
	require.NoError(t, err)
	values, err = svc.Values(ctx, sc.ID)
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = os.Stat(filepath.Join(dir, "scripts", sc.ID+".user.js"))
	assert.NoError(t, err)
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	svc, err := Open(Options{DataDir: dir, Host: nopHost{}})
	require.NoError(t, err)
	sc, err := svc.InstallTemplate(ctx, "element hider")
	require.NoError(t, err)
	runOn(t, svc, "tab-1", "https://a.example/")
	require.NoError(t, svc.SetEnabled(sc.ID, false))
	require.NoError(t, svc.Close())

	svc, err = Open(Options{DataDir: dir, Host: nopHost{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	got, err := svc.Get(sc.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "Element Hider", got.Name)

	values, err := svc.Values(ctx, sc.ID)
	require.NoError(t, err)
	assert.Empty(t, values, "template only reads its selectors")
}

func TestCheckUpdatesKeepsValues(t *testing.T) {
	files, srv := newSite(t)
	body := func(version, incr string) string {
		return fmt.Sprintf("// ==UserScript==\n// @name Up\n// @namespace up.test\n// @version %s\n// @include *\n// @updateURL %s/up.user.js\n// @grant GM_setValue\n// @grant GM_getValue\n// ==/UserScript==\nGM_setValue('v', GM_getValue('v', 0) + %s);\n", version, srv.URL, incr)
	}
	files.set("/up.user.js", body("1.0", "1"))

	svc, rec, _ := newService(t)
	ctx := context.Background()
	sc, err := svc.InstallFromURL(ctx, srv.URL+"/up.user.js")
	require.NoError(t, err)
	runOn(t, svc, "tab-1", "https://a.example/")

	files.set("/up.user.js", body("1.1", "100"))
	results := svc.CheckUpdates(ctx)
	require.Len(t, results, 1)
	assert.True(t, results[0].Updated)
	assert.Equal(t, []string{"1.0 -> 1.1"}, rec.messages(events.TypeUpdated))

	got, err := svc.Get(sc.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1", got.Meta.Version)

	runOn(t, svc, "tab-1", "https://a.example/")
	values, err := svc.Values(ctx, sc.ID)
	require.NoError(t, err)
	var v int
	require.NoError(t, json.Unmarshal(values["v"], &v))
	assert.Equal(t, 101, v)
}

func TestEngineSwitch(t *testing.T) {
	svc, rec, _ := newService(t)
	_, err := svc.InstallSource(context.Background(), "// ==UserScript==\n// @name Hello\n// @include *\n// ==/UserScript==\nconsole.log('hello');\n")
	require.NoError(t, err)

	svc.SetEngineEnabled(false)
	assert.False(t, svc.EngineEnabled())
	runOn(t, svc, "tab-1", "https://a.example/")
	assert.Empty(t, rec.messages(events.TypeScriptLog))

	svc.SetEngineEnabled(true)
	runOn(t, svc, "tab-1", "https://a.example/")
	assert.Equal(t, []string{"hello"}, rec.messages(events.TypeScriptLog))
}

func TestInstallFileAllowsLocalRequire(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.js"), []byte("var LIB = 1;"), 0o644))
	path := filepath.Join(dir, "local.user.js")
	require.NoError(t, os.WriteFile(path, []byte("// ==UserScript==\n// @name LocalFile\n// @require lib.js\n// ==/UserScript==\n"), 0o644))

	svc, _, _ := newService(t)
	sc, err := svc.InstallFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, sc.Requires, 1)
	assert.Equal(t, "var LIB = 1;", string(sc.Requires[0].Data))
	assert.Equal(t, LocalNamespace, sc.Namespace)
}

func TestRemoteScriptCannotRequireLocalFile(t *testing.T) {
	_, err := resolveRef("https://example.com/x.user.js", "file:///etc/passwd")
	assert.True(t, apperr.Is(err, apperr.CodeMetadata))

	_, err = resolveRef("", "lib.js")
	assert.True(t, apperr.Is(err, apperr.CodeMetadata))

	u, err := resolveRef("https://example.com/a/x.user.js", "../lib.js")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/lib.js", u.String())
}
