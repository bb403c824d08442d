package inject

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/kvstore"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, evt)
}

func (r *recorder) ofType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.evs {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// logs returns console output in the order scripts produced it.
func (r *recorder) logs() []string {
	var out []string
	for _, e := range r.ofType(events.TypeScriptLog) {
		out = append(out, e.Message)
	}
	return out
}

type scriptList []*script.Script

func (l scriptList) Enabled() []*script.Script {
	var out []*script.Script
	for _, sc := range l {
		if sc.Enabled {
			out = append(out, sc)
		}
	}
	return out
}

type nopHost struct{}

func (nopHost) InjectStyle(context.Context, string, string) (string, error) { return "style", nil }
func (nopHost) RemoveStyle(context.Context, string, string) error { return nil }
func (nopHost) Notify(context.Context, gm.Notification) error { return nil }
func (nopHost) SetClipboard(context.Context, string, string) error { return nil }
func (nopHost) OpenTab(context.Context, string, bool) error { return nil }

var seq int64

func newScript(t *testing.T, name, header, body string) *script.Script {
	t.Helper()
	src := "// ==UserScript==\n// @name " + name + "\n// @namespace sched.test\n" + header + "// ==/UserScript==\n" + body
	md, err := metadata.Parse(src)
	require.NoError(t, err)
	seq++
	return &script.Script{
		ID:         script.IDFor(md.Namespace, md.Name),
		Namespace:  md.Namespace,
		Name:       md.Name,
		Enabled:    true,
		InstallSeq: seq,
		Meta:       md,
		Source:     src,
	}
}

func newScheduler(t *testing.T, scripts scriptList, timeout time.Duration) (*Scheduler, *recorder) {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)

	rec := &recorder{}
	s := New(Config{
		Scripts:     scripts,
		Storage:     store,
		Host:        nopHost{},
		Events:      rec,
		ExecTimeout: timeout,
	})
	t.Cleanup(func() {
		s.Close()
		_ = store.Close()
	})
	return s, rec
}

func reach(t *testing.T, s *Scheduler, tabID string, phase metadata.RunAt) {
	t.Helper()
	done, err := s.PhaseReached(tabID, phase)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("phase %s never completed", phase)
	}
}

func TestThrowingScriptDoesNotStopOthers(t *testing.T) {
	a := newScript(t, "A", "// @match *://*.example.com/*\n", "throw new Error('boom');")
	b := newScript(t, "B", "// @match *://*.example.com/*\n", "console.log('marker');")
	s, rec := newScheduler(t, scriptList{a, b}, 0)

	info := s.Navigate("tab-1", "https://www.example.com/")
	assert.Equal(t, []string{"A", "B"}, info.Scripts)
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)

	assert.Equal(t, []string{"marker"}, rec.logs())

	errs := rec.ofType(events.TypeInjectionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "A", errs[0].ScriptName)
	assert.Equal(t, apperr.CodeInjection, errs[0].Code)
	assert.Contains(t, errs[0].Error, "boom")

	ok := rec.ofType(events.TypeInjected)
	require.Len(t, ok, 1)
	assert.Equal(t, "B", ok[0].ScriptName)

	page, err := s.Page("tab-1")
	require.NoError(t, err)
	assert.Equal(t, "active", page.State)
}

func TestOrderingByPriorityThenInstall(t *testing.T) {
	first := newScript(t, "first", "// @include *\n", "console.log('first');")
	second := newScript(t, "second", "// @include *\n", "console.log('second');")
	urgent := newScript(t, "urgent", "// @include *\n// @priority 10\n", "console.log('urgent');")
	s, rec := newScheduler(t, scriptList{first, second, urgent}, 0)

	s.Navigate("tab-1", "https://a.example/")
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)

	assert.Equal(t, []string{"urgent", "first", "second"}, rec.logs())
}

func TestPhasesFireInOrderAndOnce(t *testing.T) {
	start := newScript(t, "start", "// @include *\n// @run-at document-start\n", "console.log('start');")
	end := newScript(t, "end", "// @include *\n// @run-at document-end\n", "console.log('end');")
	idle := newScript(t, "idle", "// @include *\n", "console.log('idle');")
	s, rec := newScheduler(t, scriptList{idle, end, start}, 0)

	s.Navigate("tab-1", "https://a.example/")

	reach(t, s, "tab-1", metadata.RunAtDocumentStart)
	assert.Equal(t, []string{"start"}, rec.logs())

	// Jumping to idle catches up on document-end first.
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)
	assert.Equal(t, []string{"start", "end", "idle"}, rec.logs())

	reach(t, s, "tab-1", metadata.RunAtDocumentEnd)
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)
	assert.Len(t, rec.logs(), 3)
}

func TestNonMatchingAndDisabledScriptsSkipped(t *testing.T) {
	other := newScript(t, "other", "// @match https://other.example/*\n", "console.log('other');")
	off := newScript(t, "off", "// @include *\n", "console.log('off');")
	off.Enabled = false
	s, rec := newScheduler(t, scriptList{other, off}, 0)

	info := s.Navigate("tab-1", "https://a.example/")
	assert.Empty(t, info.Scripts)
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)
	assert.Empty(t, rec.logs())
}

func TestGlobalSwitchStopsNewInjections(t *testing.T) {
	sc := newScript(t, "any", "// @include *\n", "console.log('ran');")
	s, rec := newScheduler(t, scriptList{sc}, 0)

	s.SetEnabled(false)
	assert.False(t, s.Enabled())
	s.Navigate("tab-1", "https://a.example/")
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)
	assert.Empty(t, rec.logs())

	s.SetEnabled(true)
	s.Navigate("tab-1", "https://a.example/next")
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)
	assert.Equal(t, []string{"ran"}, rec.logs())
}

func TestRunawayScriptIsInterrupted(t *testing.T) {
	spin := newScript(t, "spin", "// @include *\n", "while (true) {}")
	next := newScript(t, "next", "// @include *\n", "console.log('next');")
	s, rec := newScheduler(t, scriptList{spin, next}, 50*time.Millisecond)

	s.Navigate("tab-1", "https://a.example/")
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)

	errs := rec.ofType(events.TypeInjectionError)
	require.Len(t, errs, 1)
	assert.Equal(t, "spin", errs[0].ScriptName)
	assert.Contains(t, errs[0].Error, "time limit")
	assert.Equal(t, []string{"next"}, rec.logs())
}

func TestCloseTabAbortsPendingRequests(t *testing.T) {
	release := make(chan struct{})
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte("late"))
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	body := `GM_xmlhttpRequest({
		url: "` + srv.URL + `/slow",
		onload: function () { console.log("onload"); },
		onerror: function () { console.log("onerror"); },
		onabort: function () { console.log("onabort"); }
	});`
	sc := newScript(t, "fetcher", "// @include *\n// @grant GM_xmlhttpRequest\n", body)
	s, rec := newScheduler(t, scriptList{sc}, 0)

	s.Navigate("tab-1", "https://a.example/")
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)

	select {
	case <-hit:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}

	s.CloseTab("tab-1")
	_, err := s.Page("tab-1")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.logs())
}

func TestNavigationReplacesPageContext(t *testing.T) {
	sc := newScript(t, "menu", "// @include *\n// @grant GM_registerMenuCommand\n",
		`GM_registerMenuCommand("Say hi", function () { console.log("hi"); });`)
	s, rec := newScheduler(t, scriptList{sc}, 0)

	s.Navigate("tab-1", "https://a.example/")
	reach(t, s, "tab-1", metadata.RunAtDocumentIdle)

	cmds, err := s.MenuCommands("tab-1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "Say hi", cmds[0].Label)

	require.NoError(t, s.InvokeMenuCommand("tab-1", cmds[0].ID))
	require.Eventually(t, func() bool {
		return strings.Join(rec.logs(), ",") == "hi"
	}, 5*time.Second, 10*time.Millisecond)

	err = s.InvokeMenuCommand("tab-1", "missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	s.Navigate("tab-1", "https://a.example/other")
	cmds, err = s.MenuCommands("tab-1")
	require.NoError(t, err)
	assert.Empty(t, cmds)

	pages := s.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, "https://a.example/other", pages[0].URL)
	assert.Equal(t, "injecting", pages[0].State)
}

func TestUnknownTab(t *testing.T) {
	s, _ := newScheduler(t, nil, 0)

	_, err := s.PhaseReached("nope", metadata.RunAtDocumentEnd)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = s.PhaseReached("nope", metadata.RunAt("document-body"))
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	s.CloseTab("nope")
}

func TestPagesDuringNavigation(t *testing.T) {
	var scripts scriptList
	for i := 0; i < 50; i++ {
		scripts = append(scripts, newScript(t, "s"+strings.Repeat("x", i), "// @include *\n", ""))
	}
	s, _ := newScheduler(t, scripts, 0)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, p := range s.Pages() {
				if len(p.Scripts) != 0 && len(p.Scripts) != len(scripts) {
					t.Errorf("page %s listed %d scripts mid-navigation", p.TabID, len(p.Scripts))
				}
			}
		}
	}()

	for i := 0; i < 200; i++ {
		info := s.Navigate("tab-1", "https://a.example/")
		assert.Len(t, info.Scripts, len(scripts))
	}
	close(stop)
	wg.Wait()
}
