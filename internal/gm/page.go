package gm

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

//go:embed prelude.js
var preludeJS string

// ErrTimeLimit is the cause reported when a script body or callback runs
// past its execution limit.
var ErrTimeLimit = errors.New("script execution time limit exceeded")

// World is one script's isolated JavaScript context inside a page. It
// shares the page's DOM but not its globals.
type World interface {
	// Eval runs src in the world. A positive timeout bounds execution.
	Eval(ctx context.Context, src string, timeout time.Duration) error
	Close()
}

// PageRunner opens worlds in the current document of a tab. The world
// exposes a function named name; every string passed to it reaches calls in
// order. calls must not block.
type PageRunner interface {
	OpenWorld(ctx context.Context, tabID, name string, calls func(payload string)) (World, error)
}

// PageOptions tunes a PageSession.
type PageOptions struct {
	// Timeout bounds the body and each callback. Zero disables it.
	Timeout time.Duration
	// OnError receives failures of callbacks running in the page.
	OnError func(label string, err error)
}

// PageSession runs one script inside a page world. GM calls made by the
// script arrive as JSON messages and are served by the bridge on the page
// loop; results and callbacks are evaluated back into the world.
type PageSession struct {
	b     *Bridge
	world World
	name  string
	opts  PageOptions

	// requests and menus map page-side IDs and are only touched on the
	// page loop.
	requests map[int64]*PendingRequest
	menus    map[int64]string
}

// pageMessage is what the world's deliver function receives.
type pageMessage struct {
	Kind  string     `json:"kind"`
	ID    int64      `json:"id"`
	Event string     `json:"event,omitempty"`
	Value any        `json:"value,omitempty"`
	Error *pageError `json:"error,omitempty"`
}

type pageError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type resourceEntry struct {
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

type preludeConfig struct {
	Name      string                   `json:"name"`
	Info      Info                     `json:"info"`
	Grants    map[string]bool          `json:"grants"`
	Denied    map[string]pageError     `json:"denied"`
	Values    map[string]string        `json:"values"`
	Resources map[string]resourceEntry `json:"resources"`
	Codes     map[string]string        `json:"codes"`
}

// OpenPage creates the script's world on the bridge's tab and installs the
// GM API into it. The world is closed with the bridge.
func OpenPage(ctx context.Context, runner PageRunner, b *Bridge, opts PageOptions) (*PageSession, error) {
	s := &PageSession{
		b:        b,
		name:     "gmhost_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		opts:     opts,
		requests: make(map[int64]*PendingRequest),
		menus:    make(map[int64]string),
	}
	prelude, err := s.prelude()
	if err != nil {
		return nil, err
	}

	world, err := runner.OpenWorld(ctx, b.cfg.TabID, s.name, s.receive)
	if err != nil {
		return nil, apperr.Injection("open page world", err)
	}
	s.world = world
	if !b.onClose(world.Close) {
		world.Close()
		return nil, apperr.Injection("page context torn down", nil)
	}
	if err := world.Eval(ctx, prelude, 0); err != nil {
		return nil, apperr.Injection("install GM API", err)
	}
	return s, nil
}

// Run evaluates @require code and the script body in the world.
func (s *PageSession) Run() error {
	if err := s.world.Eval(s.b.ctx, WrapBody(s.b.cfg.Script), s.opts.Timeout); err != nil {
		return apperr.Injection("body", err)
	}
	return nil
}

// WrapBody joins @require code and the script source inside one function
// scope so top-level declarations stay private to the script.
func WrapBody(sc *script.Script) string {
	var src strings.Builder
	src.WriteString("(function () {\n")
	for _, req := range sc.Requires {
		src.Write(req.Data)
		src.WriteString("\n;\n")
	}
	src.WriteString(sc.Source)
	src.WriteString("\n})();")
	return src.String()
}

func (s *PageSession) prelude() (string, error) {
	b := s.b
	cfg := preludeConfig{
		Name:      s.name,
		Info:      b.Info(),
		Grants:    b.grants,
		Denied:    make(map[string]pageError),
		Values:    make(map[string]string),
		Resources: make(map[string]resourceEntry),
		Codes:     map[string]string{"validation": apperr.CodeValidation, "notFound": apperr.CodeNotFound},
	}
	for _, capability := range []string{
		CapGetValue, CapSetValue, CapDeleteValue, CapListValues, CapXMLHTTPRequest,
		CapAddStyle, CapNotification, CapRegisterMenuCommand, CapUnregisterMenuCommand,
		CapOpenInTab, CapSetClipboard, CapLog, CapGetResourceText, CapGetResourceURL,
	} {
		if !b.Granted(capability) {
			name, msg := errorParts(apperr.CapabilityDenied(capability))
			cfg.Denied[capability] = pageError{Name: name, Message: msg}
		}
	}

	values, err := b.valueSnapshot()
	if err != nil {
		return "", err
	}
	for k, v := range values {
		cfg.Values[k] = string(v)
	}
	for name := range b.cfg.Script.Resources {
		var entry resourceEntry
		if b.Granted(CapGetResourceText) {
			entry.Text, _ = b.GetResourceText(name)
		}
		if b.Granted(CapGetResourceURL) {
			entry.URL, _ = b.GetResourceURL(name)
		}
		cfg.Resources[name] = entry
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", apperr.Injection("encode GM API config", err)
	}
	return strings.Replace(preludeJS, "__CONFIG__", string(raw), 1), nil
}

// receive runs on the runner's event goroutine.
func (s *PageSession) receive(payload string) {
	if !s.b.cfg.Post(func() { s.dispatch(payload) }) {
		s.b.log.Debug("GM call dropped, page gone")
	}
}

func (s *PageSession) dispatch(payload string) {
	if s.b.ctx.Err() != nil {
		return
	}
	if !gjson.Valid(payload) {
		s.b.log.Warn("malformed GM call from page", "payload", truncate(payload, 200))
		return
	}
	msg := gjson.Parse(payload)
	id := msg.Get("id").Int()
	method := msg.Get("method").String()
	args := msg.Get("args").Array()
	arg := func(i int) gjson.Result {
		if i < len(args) {
			return args[i]
		}
		return gjson.Result{}
	}

	value, err := s.handle(method, arg)
	if err != nil {
		s.b.log.Debug("GM call failed", "method", method, "error", err)
	}
	if id <= 0 {
		return
	}
	reply := pageMessage{Kind: "reply", ID: id, Value: value}
	if err != nil {
		name, text := errorParts(err)
		reply.Value = nil
		reply.Error = &pageError{Name: name, Message: text}
	}
	s.deliver(reply, method)
}

func (s *PageSession) handle(method string, arg func(int) gjson.Result) (any, error) {
	b := s.b
	switch method {
	case "setValue":
		raw := arg(1).String()
		if !gjson.Valid(raw) {
			return nil, apperr.Validation("value is not serialisable")
		}
		return nil, b.SetValue(arg(0).String(), json.RawMessage(raw))
	case "deleteValue":
		return nil, b.DeleteValue(arg(0).String())
	case "addStyle":
		return b.AddStyle(arg(0).String())
	case "notification":
		n := arg(0)
		return nil, b.Notification(Notification{
			Title: n.Get("title").String(),
			Text:  n.Get("text").String(),
			Image: n.Get("image").String(),
		})
	case "registerMenuCommand":
		local, label := arg(0).Int(), arg(1).String()
		menuID, err := b.RegisterMenuCommand(label, func() {
			s.deliver(pageMessage{Kind: "menu", ID: local}, "menu:"+label)
		})
		if err != nil {
			return nil, err
		}
		s.menus[local] = menuID
		return menuID, nil
	case "unregisterMenuCommand":
		local := arg(0).Int()
		menuID, ok := s.menus[local]
		if !ok {
			return nil, nil
		}
		delete(s.menus, local)
		return nil, b.UnregisterMenuCommand(menuID)
	case "openInTab":
		return nil, b.OpenInTab(arg(0).String(), arg(1).Bool())
	case "setClipboard":
		return nil, b.SetClipboard(arg(0).String(), arg(1).String())
	case "log":
		return nil, b.Log(arg(0).String())
	case "console":
		b.Diagnostic(consoleLevel(arg(0).String()), arg(1).String())
		return nil, nil
	case "xmlHttpRequest":
		return s.xmlHTTPRequest(arg(0).Int(), arg(1))
	case "abort":
		if p, ok := s.requests[arg(0).Int()]; ok {
			p.Abort()
		}
		return nil, nil
	case "error":
		if s.opts.OnError != nil {
			s.opts.OnError(arg(0).String(), errors.New(arg(1).String()))
		}
		return nil, nil
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown GM call %q", method))
	}
}

func (s *PageSession) xmlHTTPRequest(local int64, d gjson.Result) (any, error) {
	req := Request{
		Method:       d.Get("method").String(),
		URL:          d.Get("url").String(),
		Body:         d.Get("data").String(),
		ResponseType: d.Get("responseType").String(),
	}
	if ms := d.Get("timeout").Int(); ms > 0 {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}
	if h := d.Get("headers"); h.IsObject() {
		req.Headers = make(map[string]string)
		h.ForEach(func(k, v gjson.Result) bool {
			req.Headers[k.String()] = v.String()
			return true
		})
	}

	event := func(name string) func(Response) {
		return func(r Response) {
			if name != "progress" {
				delete(s.requests, local)
			}
			s.deliver(pageMessage{Kind: "xhr", ID: local, Event: name, Value: responseValue(r)}, "on"+name)
		}
	}
	cb := Callbacks{
		OnLoad:    event("load"),
		OnError:   event("error"),
		OnTimeout: event("timeout"),
		OnAbort:   event("abort"),
	}
	if d.Get("progress").Bool() {
		cb.OnProgress = event("progress")
	}

	p, err := s.b.XMLHTTPRequest(req, cb)
	if err != nil {
		return nil, err
	}
	s.requests[local] = p
	return map[string]string{"id": p.ID}, nil
}

// deliver evaluates m in the world. Failures land in OnError under label.
func (s *PageSession) deliver(m pageMessage, label string) {
	raw, err := json.Marshal(m)
	if err != nil {
		s.b.log.Warn("GM message not encodable", "label", label, "error", err)
		return
	}
	expr := fmt.Sprintf("this[%q].deliver(%s)", s.name, raw)
	err = s.world.Eval(s.b.ctx, expr, s.opts.Timeout)
	if err == nil || s.b.ctx.Err() != nil {
		return
	}
	if s.opts.OnError != nil {
		s.opts.OnError(label, err)
	} else {
		s.b.log.Warn("GM delivery failed", "label", label, "error", err)
	}
}

// responseValue is the response object handed to xhr callbacks, with
// "response" parsed when JSON was requested.
func responseValue(r Response) json.RawMessage {
	raw, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage("{}")
	}
	if r.JSON != nil {
		raw, err = sjson.SetRawBytes(raw, "response", r.JSON)
	} else {
		raw, err = sjson.SetBytes(raw, "response", r.ResponseText)
	}
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

func consoleLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// errorParts splits err into the name and message a script sees. Coded
// errors are named by their code.
func errorParts(err error) (string, string) {
	var coded *apperr.CodedError
	if !errors.As(err, &coded) {
		return "Error", err.Error()
	}
	msg := coded.Message
	if coded.Cause != nil {
		msg += ": " + coded.Cause.Error()
	}
	return coded.Code, msg
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
