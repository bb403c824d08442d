package gm

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/robertkrimen/otto"
)

// CallFunc invokes a JS callback. It is only ever called on the page loop;
// label names the callback in diagnostics.
type CallFunc func(label string, fn otto.Value, args ...interface{})

type binder struct {
	vm        *otto.Otto
	b         *Bridge
	call      CallFunc
	jsonObj   otto.Value
	parse     otto.Value
	stringify otto.Value
}

// Bind installs the bridge into vm. Each capability is one otto function
// value exposed both as GM_<name> and as GM.<name>.
func Bind(vm *otto.Otto, b *Bridge, call CallFunc) error {
	jsonObj, err := vm.Get("JSON")
	if err != nil || !jsonObj.IsObject() {
		return apperr.Injection("bind: JSON unavailable", err)
	}
	parse, _ := jsonObj.Object().Get("parse")
	stringify, _ := jsonObj.Object().Get("stringify")
	s := &binder{vm: vm, b: b, call: call, jsonObj: jsonObj, parse: parse, stringify: stringify}

	gmObj, err := vm.Object(`({})`)
	if err != nil {
		return apperr.Injection("bind: create GM object", err)
	}

	bindings := []struct {
		legacy string
		modern string
		fn     func(otto.FunctionCall) otto.Value
	}{
		{"GM_getValue", "getValue", s.getValue},
		{"GM_setValue", "setValue", s.setValue},
		{"GM_deleteValue", "deleteValue", s.deleteValue},
		{"GM_listValues", "listValues", s.listValues},
		{"GM_xmlhttpRequest", "xmlHttpRequest", s.xmlhttpRequest},
		{"GM_addStyle", "addStyle", s.addStyle},
		{"GM_notification", "notification", s.notification},
		{"GM_registerMenuCommand", "registerMenuCommand", s.registerMenuCommand},
		{"GM_unregisterMenuCommand", "unregisterMenuCommand", s.unregisterMenuCommand},
		{"GM_openInTab", "openInTab", s.openInTab},
		{"GM_setClipboard", "setClipboard", s.setClipboard},
		{"GM_log", "log", s.gmLog},
		{"GM_getResourceText", "getResourceText", s.getResourceText},
		{"GM_getResourceURL", "getResourceUrl", s.getResourceURL},
	}
	for _, bd := range bindings {
		fn, err := vm.ToValue(bd.fn)
		if err != nil {
			return apperr.Injection("bind "+bd.legacy, err)
		}
		if err := vm.Set(bd.legacy, fn); err != nil {
			return apperr.Injection("bind "+bd.legacy, err)
		}
		if err := gmObj.Set(bd.modern, fn); err != nil {
			return apperr.Injection("bind GM."+bd.modern, err)
		}
	}
	// GM.xmlhttpRequest is a common spelling of the modern name.
	if v, err := gmObj.Get("xmlHttpRequest"); err == nil {
		_ = gmObj.Set("xmlhttpRequest", v)
	}

	info, err := s.toJS(b.Info())
	if err != nil {
		return apperr.Injection("bind GM_info", err)
	}
	if err := vm.Set("GM_info", info); err != nil {
		return apperr.Injection("bind GM_info", err)
	}
	if err := gmObj.Set("info", info); err != nil {
		return apperr.Injection("bind GM.info", err)
	}
	if err := vm.Set("GM", gmObj); err != nil {
		return apperr.Injection("bind GM", err)
	}
	return s.bindConsole()
}

// bindConsole replaces otto's stdout console with the diagnostic sink.
func (s *binder) bindConsole() error {
	console, err := s.vm.Object(`({})`)
	if err != nil {
		return apperr.Injection("bind console", err)
	}
	levels := map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, level := range levels {
		if err := console.Set(name, func(call otto.FunctionCall) otto.Value {
			s.b.Diagnostic(level, joinArgs(call.ArgumentList))
			return otto.UndefinedValue()
		}); err != nil {
			return apperr.Injection("bind console."+name, err)
		}
	}
	return s.vm.Set("console", console)
}

// throw raises err inside the script as an Error whose name is the error
// code, so scripts can catch and inspect it.
func (s *binder) throw(err error) {
	name, msg := errorParts(err)
	panic(s.vm.MakeCustomError(name, msg))
}

func (s *binder) fromJSON(raw []byte) otto.Value {
	v, err := s.parse.Call(s.jsonObj, string(raw))
	if err != nil {
		s.throw(apperr.Storage("decode value", err))
	}
	return v
}

func (s *binder) toJSON(v otto.Value) json.RawMessage {
	out, err := s.stringify.Call(s.jsonObj, v)
	if err != nil {
		s.throw(apperr.Validation("value is not serialisable: " + err.Error()))
	}
	if out.IsUndefined() {
		return json.RawMessage("null")
	}
	return json.RawMessage(out.String())
}

// toJS converts a Go value to a plain JS object through JSON.
func (s *binder) toJS(v any) (otto.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return otto.UndefinedValue(), err
	}
	return s.parse.Call(s.jsonObj, string(raw))
}

func (s *binder) getValue(call otto.FunctionCall) otto.Value {
	raw, ok, err := s.b.GetValue(call.Argument(0).String())
	if err != nil {
		s.throw(err)
	}
	if !ok {
		return call.Argument(1)
	}
	return s.fromJSON(raw)
}

func (s *binder) setValue(call otto.FunctionCall) otto.Value {
	if err := s.b.SetValue(call.Argument(0).String(), s.toJSON(call.Argument(1))); err != nil {
		s.throw(err)
	}
	return otto.UndefinedValue()
}

func (s *binder) deleteValue(call otto.FunctionCall) otto.Value {
	if err := s.b.DeleteValue(call.Argument(0).String()); err != nil {
		s.throw(err)
	}
	return otto.UndefinedValue()
}

func (s *binder) listValues(call otto.FunctionCall) otto.Value {
	keys, err := s.b.ListValues()
	if err != nil {
		s.throw(err)
	}
	v, err := s.toJS(keys)
	if err != nil {
		s.throw(apperr.Storage("list values", err))
	}
	return v
}

func (s *binder) xmlhttpRequest(call otto.FunctionCall) otto.Value {
	details := call.Argument(0)
	if !details.IsObject() {
		s.throw(apperr.Validation("xmlhttpRequest expects a details object"))
	}
	obj := details.Object()

	req := Request{
		Method:       field(obj, "method"),
		URL:          field(obj, "url"),
		Body:         field(obj, "data"),
		ResponseType: field(obj, "responseType"),
	}
	if v, _ := obj.Get("timeout"); v.IsNumber() {
		if ms, err := v.ToInteger(); err == nil && ms > 0 {
			req.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if hv, _ := obj.Get("headers"); hv.IsObject() {
		req.Headers = make(map[string]string)
		for _, k := range hv.Object().Keys() {
			v, _ := hv.Object().Get(k)
			req.Headers[k] = v.String()
		}
	}

	cb := Callbacks{
		OnLoad:     s.responseCallback(obj, "onload"),
		OnError:    s.responseCallback(obj, "onerror"),
		OnTimeout:  s.responseCallback(obj, "ontimeout"),
		OnProgress: s.responseCallback(obj, "onprogress"),
		OnAbort:    s.responseCallback(obj, "onabort"),
	}

	p, err := s.b.XMLHTTPRequest(req, cb)
	if err != nil {
		s.throw(err)
	}

	handle, err := s.toJS(map[string]string{"id": p.ID})
	if err != nil {
		s.throw(apperr.Injection("xmlhttpRequest handle", err))
	}
	_ = handle.Object().Set("abort", func(otto.FunctionCall) otto.Value {
		p.Abort()
		return otto.UndefinedValue()
	})
	return handle
}

func (s *binder) responseCallback(obj *otto.Object, name string) func(Response) {
	fn, _ := obj.Get(name)
	if !fn.IsFunction() {
		return nil
	}
	return func(r Response) {
		v, err := s.toJS(r)
		if err != nil {
			s.b.log.Warn("response conversion failed", "callback", name, "error", err)
			return
		}
		ro := v.Object()
		if r.JSON != nil {
			if parsed, err := s.parse.Call(s.jsonObj, string(r.JSON)); err == nil {
				_ = ro.Set("response", parsed)
			}
		} else {
			_ = ro.Set("response", r.ResponseText)
		}
		s.call(name, fn, v)
	}
}

func (s *binder) addStyle(call otto.FunctionCall) otto.Value {
	id, err := s.b.AddStyle(call.Argument(0).String())
	if err != nil {
		s.throw(err)
	}
	v, _ := s.vm.ToValue(id)
	return v
}

func (s *binder) notification(call otto.FunctionCall) otto.Value {
	var n Notification
	if first := call.Argument(0); first.IsObject() {
		obj := first.Object()
		n.Text = field(obj, "text")
		n.Title = field(obj, "title")
		n.Image = field(obj, "image")
	} else {
		n.Text = str(first)
		n.Title = str(call.Argument(1))
		n.Image = str(call.Argument(2))
	}
	if err := s.b.Notification(n); err != nil {
		s.throw(err)
	}
	return otto.UndefinedValue()
}

func (s *binder) registerMenuCommand(call otto.FunctionCall) otto.Value {
	label := call.Argument(0).String()
	fn := call.Argument(1)
	if !fn.IsFunction() {
		s.throw(apperr.Validation("registerMenuCommand expects a function"))
	}
	id, err := s.b.RegisterMenuCommand(label, func() {
		s.call("menu:"+label, fn)
	})
	if err != nil {
		s.throw(err)
	}
	v, _ := s.vm.ToValue(id)
	return v
}

func (s *binder) unregisterMenuCommand(call otto.FunctionCall) otto.Value {
	if err := s.b.UnregisterMenuCommand(call.Argument(0).String()); err != nil {
		s.throw(err)
	}
	return otto.UndefinedValue()
}

func (s *binder) openInTab(call otto.FunctionCall) otto.Value {
	background := false
	switch opt := call.Argument(1); {
	case opt.IsBoolean():
		background, _ = opt.ToBoolean()
	case opt.IsObject():
		if active, _ := opt.Object().Get("active"); active.IsBoolean() {
			a, _ := active.ToBoolean()
			background = !a
		}
	}
	if err := s.b.OpenInTab(call.Argument(0).String(), background); err != nil {
		s.throw(err)
	}
	return otto.UndefinedValue()
}

func (s *binder) setClipboard(call otto.FunctionCall) otto.Value {
	mime := ""
	switch info := call.Argument(1); {
	case info.IsString():
		mime = info.String()
	case info.IsObject():
		mime = field(info.Object(), "mimetype")
		if mime == "" && field(info.Object(), "type") == "html" {
			mime = "text/html"
		}
	}
	if mime == "html" {
		mime = "text/html"
	} else if mime == "text" {
		mime = "text/plain"
	}
	if err := s.b.SetClipboard(str(call.Argument(0)), mime); err != nil {
		s.throw(err)
	}
	return otto.UndefinedValue()
}

func (s *binder) gmLog(call otto.FunctionCall) otto.Value {
	if err := s.b.Log(joinArgs(call.ArgumentList)); err != nil {
		s.throw(err)
	}
	return otto.UndefinedValue()
}

func (s *binder) getResourceText(call otto.FunctionCall) otto.Value {
	text, err := s.b.GetResourceText(call.Argument(0).String())
	if err != nil {
		s.throw(err)
	}
	v, _ := s.vm.ToValue(text)
	return v
}

func (s *binder) getResourceURL(call otto.FunctionCall) otto.Value {
	u, err := s.b.GetResourceURL(call.Argument(0).String())
	if err != nil {
		s.throw(err)
	}
	v, _ := s.vm.ToValue(u)
	return v
}

func field(obj *otto.Object, name string) string {
	v, err := obj.Get(name)
	if err != nil {
		return ""
	}
	return str(v)
}

func str(v otto.Value) string {
	if v.IsUndefined() || v.IsNull() {
		return ""
	}
	return v.String()
}

func joinArgs(args []otto.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
