package gm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/kvstore"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/robertkrimen/otto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu      sync.Mutex
	next    int
	styles  map[string]string
	removed []string
	notes   []Notification
	clips   []string
	tabs    []string
}

func newFakeHost() *fakeHost { return &fakeHost{styles: map[string]string{}} }

func (h *fakeHost) InjectStyle(_ context.Context, tabID, css string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := fmt.Sprintf("%s-style-%d", tabID, h.next)
	h.styles[id] = css
	return id, nil
}

func (h *fakeHost) RemoveStyle(_ context.Context, _ string, styleID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.styles, styleID)
	h.removed = append(h.removed, styleID)
	return nil
}

func (h *fakeHost) Notify(_ context.Context, n Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, n)
	return nil
}

func (h *fakeHost) SetClipboard(_ context.Context, data, mimeType string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clips = append(h.clips, mimeType+":"+data)
	return nil
}

func (h *fakeHost) OpenTab(_ context.Context, url string, background bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tabs = append(h.tabs, fmt.Sprintf("%s bg=%v", url, background))
	return nil
}

// loop collects posted callbacks so tests can run them on their own goroutine.
type loop struct {
	ch chan func()
}

func newLoop() *loop { return &loop{ch: make(chan func(), 64)} }

func (l *loop) post(fn func()) bool {
	l.ch <- fn
	return true
}

func (l *loop) runOne(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l.ch:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("no callback posted")
	}
}

type fixture struct {
	bridge *Bridge
	host   *fakeHost
	loop   *loop
	store  *kvstore.Store
	menu   *Menu
	vm     *otto.Otto
	cancel context.CancelFunc
}

func testScript(t *testing.T, header string) *script.Script {
	t.Helper()
	src := "// ==UserScript==\n// @name Test Script\n// @namespace test.example\n// @version 1.0\n" + header + "// ==/UserScript==\n"
	md, err := metadata.Parse(src)
	require.NoError(t, err)
	return &script.Script{
		ID:        script.IDFor(md.Namespace, md.Name),
		Namespace: md.Namespace,
		Name:      md.Name,
		Enabled:   true,
		Meta:      md,
		Source:    src,
	}
}

func newFixture(t *testing.T, sc *script.Script, broker events.Publisher) *fixture {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{host: newFakeHost(), loop: newLoop(), store: store, menu: NewMenu(), cancel: cancel}
	f.bridge = New(ctx, Config{
		Script:  sc,
		TabID:   "tab-1",
		PageID:  "page-1",
		PageURL: "https://page.example/start",
		Storage: store,
		Host:    f.host,
		Events:  broker,
		Menu:    f.menu,
		Post:    f.loop.post,
	})
	t.Cleanup(func() {
		f.bridge.Close()
		cancel()
	})

	f.vm = otto.New()
	require.NoError(t, Bind(f.vm, f.bridge, func(_ string, fn otto.Value, args ...interface{}) {
		_, err := fn.Call(otto.UndefinedValue(), args...)
		assert.NoError(t, err)
	}))
	return f
}

func (f *fixture) run(t *testing.T, src string) otto.Value {
	t.Helper()
	v, err := f.vm.Run(src)
	require.NoError(t, err)
	return v
}

func TestNormalizeGrant(t *testing.T) {
	assert.Equal(t, CapGetValue, NormalizeGrant("GM_getValue"))
	assert.Equal(t, CapGetValue, NormalizeGrant("GM.getValue"))
	assert.Equal(t, CapXMLHTTPRequest, NormalizeGrant("GM.xmlHttpRequest"))
	assert.Equal(t, CapXMLHTTPRequest, NormalizeGrant("GM_xmlhttpRequest"))
	assert.Empty(t, Grants([]string{"none"}))
	assert.Equal(t, map[string]bool{CapSetValue: true}, Grants([]string{"GM_setValue", "GM.setValue", "none"}))
}

func TestUngrantedCapabilitiesAreDenied(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant none\n"), nil)
	b := f.bridge

	calls := map[string]func() error{
		CapGetValue:    func() error { _, _, err := b.GetValue("k"); return err },
		CapSetValue:    func() error { return b.SetValue("k", json.RawMessage(`1`)) },
		CapDeleteValue: func() error { return b.DeleteValue("k") },
		CapListValues:  func() error { _, err := b.ListValues(); return err },
		CapXMLHTTPRequest: func() error {
			_, err := b.XMLHTTPRequest(Request{URL: "https://example.com/"}, Callbacks{})
			return err
		},
		CapAddStyle:              func() error { _, err := b.AddStyle("body{}"); return err },
		CapNotification:          func() error { return b.Notification(Notification{Text: "x"}) },
		CapRegisterMenuCommand:   func() error { _, err := b.RegisterMenuCommand("x", func() {}); return err },
		CapUnregisterMenuCommand: func() error { return b.UnregisterMenuCommand("x") },
		CapOpenInTab:             func() error { return b.OpenInTab("https://example.com/", false) },
		CapSetClipboard:          func() error { return b.SetClipboard("x", "") },
		CapLog:                   func() error { return b.Log("x") },
		CapGetResourceText:       func() error { _, err := b.GetResourceText("x"); return err },
		CapGetResourceURL:        func() error { _, err := b.GetResourceURL("x"); return err },
	}
	for capability, call := range calls {
		err := call()
		assert.True(t, apperr.Is(err, apperr.CodeCapabilityDenied), "%s: err = %v", capability, err)
	}
	assert.Empty(t, f.host.styles)
	assert.Empty(t, f.host.notes)
	assert.Empty(t, f.host.tabs)
}

func TestCapabilityDeniedIsThrownToScript(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant GM_getValue\n"), nil)

	v := f.run(t, `
		var names = [];
		try { GM_setValue("k", 1); } catch (e) { names.push(e.name); }
		try { GM.setValue("k", 1); } catch (e) { names.push(e.name); }
		try { GM_xmlhttpRequest({url: "https://example.com/"}); } catch (e) { names.push(e.name); }
		names.push(String(GM_getValue("k", "fallback")));
		names.join(",");
	`)
	assert.Equal(t, "CapabilityDeniedError,CapabilityDeniedError,CapabilityDeniedError,fallback", v.String())
}

func TestUncaughtDenialSurfacesAsError(t *testing.T) {
	f := newFixture(t, testScript(t, ""), nil)
	_, err := f.vm.Run(`GM_addStyle("body{}")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CapabilityDeniedError")
}

func TestLegacyAndModernNamesShareOneFunction(t *testing.T) {
	f := newFixture(t, testScript(t, ""), nil)
	v := f.run(t, `GM_getValue === GM.getValue && GM_xmlhttpRequest === GM.xmlHttpRequest && GM_info.script.name === GM.info.script.name`)
	ok, _ := v.ToBoolean()
	assert.True(t, ok)
}

func TestInfoNeedsNoGrant(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant none\n"), nil)
	v := f.run(t, `GM_info.script.name + "|" + GM_info.script.version + "|" + GM_info.scriptHandler`)
	assert.Equal(t, "Test Script|1.0|"+HostName, v.String())
}

func TestStorageRoundTripFromScript(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant GM_getValue\n// @grant GM_setValue\n// @grant GM_deleteValue\n// @grant GM_listValues\n"), nil)

	v := f.run(t, `
		var value = {s: "x", n: 1.5, b: true, z: null, list: [1, "two", {three: 3}]};
		GM_setValue("obj", value);
		GM_setValue("num", 42);
		var back = GM_getValue("obj");
		JSON.stringify(back) === JSON.stringify(value) && GM_getValue("num") === 42;
	`)
	ok, _ := v.ToBoolean()
	assert.True(t, ok)

	keys := f.run(t, `GM_listValues().join(",")`)
	assert.Equal(t, "num,obj", keys.String())

	f.run(t, `GM_deleteValue("num")`)
	v = f.run(t, `GM_getValue("num", "gone")`)
	assert.Equal(t, "gone", v.String())

	// The value is durable and stored under the script's own namespace.
	raw, ok2, err := f.store.Get(context.Background(), f.bridge.Script().ID, "obj")
	require.NoError(t, err)
	require.True(t, ok2)
	assert.JSONEq(t, `{"s":"x","n":1.5,"b":true,"z":null,"list":[1,"two",{"three":3}]}`, string(raw))
}

func TestStorageIsolatedBetweenScripts(t *testing.T) {
	a := newFixture(t, testScript(t, "// @grant GM_setValue\n"), nil)
	a.run(t, `GM_setValue("shared", "from a")`)

	other := testScript(t, "// @grant GM_getValue\n")
	other.ID = script.IDFor("other.example", "Other")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := New(ctx, Config{Script: other, Storage: a.store, Host: a.host})
	_, ok, err := b.GetValue("shared")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestXHRDeliversOnLoadOnPageLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"a":7}`))
	}))
	defer srv.Close()

	f := newFixture(t, testScript(t, "// @grant GM_xmlhttpRequest\n"), nil)
	f.run(t, fmt.Sprintf(`
		var result = "";
		GM.xmlHttpRequest({
			url: %q,
			headers: {"X-Test": "yes"},
			responseType: "json",
			onload: function (r) { result = r.status + ":" + r.response.a + ":" + r.readyState; }
		});
	`, srv.URL))

	f.loop.runOne(t)
	v := f.run(t, `result`)
	assert.Equal(t, "200:7:4", v.String())
}

func TestXHRErrorAndTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	f := newFixture(t, testScript(t, "// @grant GM_xmlhttpRequest\n"), nil)

	timedOut := make(chan Response, 1)
	_, err := f.bridge.XMLHTTPRequest(Request{URL: srv.URL, Timeout: 50 * time.Millisecond}, Callbacks{
		OnTimeout: func(r Response) { timedOut <- r },
		OnLoad:    func(Response) { t.Error("onload after timeout") },
	})
	require.NoError(t, err)
	f.loop.runOne(t)
	assert.Equal(t, "timeout", (<-timedOut).Error)

	failed := make(chan Response, 1)
	_, err = f.bridge.XMLHTTPRequest(Request{URL: "http://127.0.0.1:1/"}, Callbacks{
		OnError: func(r Response) { failed <- r },
	})
	require.NoError(t, err)
	f.loop.runOne(t)
	assert.NotEmpty(t, (<-failed).Error)
}

func TestClientDeadlineCountsAsTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	f := newFixture(t, testScript(t, "// @grant GM_xmlhttpRequest\n"), nil)
	f.bridge.cfg.HTTPClient = &http.Client{Timeout: 50 * time.Millisecond}

	timedOut := make(chan Response, 1)
	_, err := f.bridge.XMLHTTPRequest(Request{URL: srv.URL}, Callbacks{
		OnTimeout: func(r Response) { timedOut <- r },
		OnError:   func(r Response) { t.Errorf("onerror: %s", r.Error) },
	})
	require.NoError(t, err)
	f.loop.runOne(t)
	select {
	case r := <-timedOut:
		assert.Equal(t, "timeout", r.Error)
	default:
		t.Fatal("ontimeout not called")
	}
}

func TestCloseAbortsPendingRequestWithoutCallbacks(t *testing.T) {
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, testScript(t, "// @grant GM_xmlhttpRequest\n"), nil)
	called := false
	cb := func(Response) { called = true }
	p, err := f.bridge.XMLHTTPRequest(Request{URL: srv.URL}, Callbacks{
		OnLoad: cb, OnError: cb, OnTimeout: cb, OnAbort: cb, OnProgress: cb,
	})
	require.NoError(t, err)
	<-arrived

	f.cancel()
	f.bridge.Close()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request goroutine did not finish")
	}
	assert.True(t, p.Aborted())
	assert.Len(t, f.loop.ch, 0)
	assert.False(t, called)
	assert.Equal(t, 0, f.bridge.Pending())

	_, err = f.bridge.XMLHTTPRequest(Request{URL: srv.URL}, Callbacks{})
	assert.True(t, apperr.Is(err, apperr.CodeInjection))
}

func TestScriptAbortFiresOnAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, testScript(t, "// @grant GM_xmlhttpRequest\n"), nil)
	f.run(t, fmt.Sprintf(`
		var state = "pending";
		var h = GM_xmlhttpRequest({
			url: %q,
			onload: function () { state = "loaded"; },
			onabort: function () { state = "aborted"; }
		});
		h.abort();
	`, srv.URL))
	f.loop.runOne(t)
	assert.Equal(t, "aborted", f.run(t, `state`).String())
}

func TestConnectRestriction(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant GM_xmlhttpRequest\n// @connect api.example.com\n// @connect self\n"), nil)
	b := f.bridge

	_, err := b.XMLHTTPRequest(Request{URL: "https://evil.example.net/"}, Callbacks{})
	assert.True(t, apperr.Is(err, apperr.CodeCapabilityDenied), "err = %v", err)

	for _, u := range []string{"https://api.example.com/x", "https://v2.api.example.com/x", "/relative-to-page"} {
		p, err := b.XMLHTTPRequest(Request{URL: u}, Callbacks{})
		require.NoError(t, err, u)
		p.Abort()
	}
}

func TestAddStyleRemovedOnClose(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant GM_addStyle\n"), nil)
	f.run(t, `GM_addStyle("body { color: red }"); GM.addStyle("p { margin: 0 }");`)
	assert.Len(t, f.host.styles, 2)

	f.bridge.Close()
	assert.Empty(t, f.host.styles)
	assert.Len(t, f.host.removed, 2)
}

func TestMenuCommands(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant GM_registerMenuCommand\n// @grant GM_unregisterMenuCommand\n"), nil)
	f.run(t, `
		var clicks = 0;
		var keep = GM_registerMenuCommand("Keep", function () { clicks++; });
		var drop = GM.registerMenuCommand("Drop", function () {});
		GM_unregisterMenuCommand(drop);
	`)
	cmds := f.menu.List()
	require.Len(t, cmds, 1)
	assert.Equal(t, "Keep", cmds[0].Label)
	assert.Equal(t, "Test Script", cmds[0].ScriptName)

	fn, ok := f.menu.Handler(cmds[0].ID)
	require.True(t, ok)
	fn()
	assert.Equal(t, "1", f.run(t, `String(clicks)`).String())

	f.bridge.Close()
	assert.Empty(t, f.menu.List())
}

func TestHostUtilities(t *testing.T) {
	f := newFixture(t, testScript(t, "// @grant GM_notification\n// @grant GM_setClipboard\n// @grant GM_openInTab\n"), nil)
	f.run(t, `
		GM_notification("hello", "Title");
		GM.notification({text: "second"});
		GM_setClipboard("<b>x</b>", "html");
		GM_setClipboard("plain");
		GM_openInTab("/next", true);
		GM.openInTab("https://other.example/", {active: true});
	`)
	require.Len(t, f.host.notes, 2)
	assert.Equal(t, Notification{Title: "Title", Text: "hello", Source: "Test Script"}, f.host.notes[0])
	assert.Equal(t, "Test Script", f.host.notes[1].Title)
	assert.Equal(t, []string{"text/html:<b>x</b>", "text/plain:plain"}, f.host.clips)
	assert.Equal(t, []string{"https://page.example/next bg=true", "https://other.example/ bg=false"}, f.host.tabs)

	_, err := f.vm.Run(`GM_openInTab("javascript:alert(1)")`)
	assert.Error(t, err)
}

func TestConsoleAndLogGoToDiagnosticSink(t *testing.T) {
	broker := events.NewBroker(nil)
	_, ch := broker.Subscribe()
	f := newFixture(t, testScript(t, "// @grant GM_log\n"), broker)

	f.run(t, `console.warn("careful", 1); GM_log("logged")`)

	first, second := <-ch, <-ch
	assert.Equal(t, events.TypeScriptLog, first.Type)
	assert.Equal(t, "careful 1", first.Message)
	assert.Equal(t, "warn", first.Level)
	assert.Equal(t, "logged", second.Message)
	assert.Equal(t, "Test Script", second.ScriptName)
}

func TestResources(t *testing.T) {
	sc := testScript(t, "// @grant GM_getResourceText\n// @grant GM_getResourceURL\n// @resource css https://cdn.example/a.css\n")
	sc.Resources = map[string]script.CachedResource{
		"css": {URL: "https://cdn.example/a.css", ContentType: "text/css", Data: []byte("a{}")},
	}
	f := newFixture(t, sc, nil)

	assert.Equal(t, "a{}", f.run(t, `GM_getResourceText("css")`).String())
	assert.Equal(t, "data:text/css;base64,YXt9", f.run(t, `GM.getResourceUrl("css")`).String())

	v := f.run(t, `try { GM_getResourceText("missing"); "no" } catch (e) { e.name }`)
	assert.Equal(t, apperr.CodeNotFound, v.String())
}
