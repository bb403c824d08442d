package gm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const progressChunk = 32 * 1024

// Request is the descriptor passed to xmlhttpRequest.
type Request struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         string
	Timeout      time.Duration
	ResponseType string
}

// Response is what callbacks receive. JSON is set when the request asked
// for responseType "json" and the body parsed.
type Response struct {
	Status           int             `json:"status"`
	StatusText       string          `json:"statusText"`
	ResponseText     string          `json:"responseText"`
	ResponseHeaders  string          `json:"responseHeaders"`
	FinalURL         string          `json:"finalUrl"`
	ReadyState       int             `json:"readyState"`
	Loaded           int64           `json:"loaded"`
	Total            int64           `json:"total"`
	LengthComputable bool            `json:"lengthComputable"`
	Error            string          `json:"error,omitempty"`
	JSON             json.RawMessage `json:"-"`
}

// Callbacks run on the page loop. Nil callbacks are skipped.
type Callbacks struct {
	OnLoad     func(Response)
	OnError    func(Response)
	OnTimeout  func(Response)
	OnProgress func(Response)
	OnAbort    func(Response)
}

// PendingRequest is an in-flight mediated request.
type PendingRequest struct {
	ID       string
	Method   string
	URL      string
	Headers  map[string]string
	Body     string
	Deadline time.Time

	cancel  context.CancelFunc
	aborted atomic.Bool
	done    chan struct{}
	onAbort func()
}

// Abort cancels the request. The script's onabort runs if the page is
// still alive; no other callback fires afterwards.
func (p *PendingRequest) Abort() {
	if p.aborted.Swap(true) {
		return
	}
	p.cancel()
	if p.onAbort != nil {
		p.onAbort()
	}
}

// abort cancels without notifying the script.
func (p *PendingRequest) abort() {
	p.aborted.Store(true)
	p.cancel()
}

func (p *PendingRequest) Aborted() bool { return p.aborted.Load() }

// Done is closed once the request goroutine has finished.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// XMLHTTPRequest issues a cross-origin request on a separate goroutine. The
// request is bound to the page context and cancelled by Close.
func (b *Bridge) XMLHTTPRequest(req Request, cb Callbacks) (*PendingRequest, error) {
	if err := b.check(CapXMLHTTPRequest); err != nil {
		return nil, err
	}
	target, err := b.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	if !b.connectAllowed(target) {
		return nil, apperr.CapabilityDenied("connect " + target.Hostname())
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(b.ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(b.ctx)
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		cancel()
		return nil, apperr.Validation(fmt.Sprintf("xmlhttpRequest: %v", err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	p := &PendingRequest{
		ID:      uuid.NewString(),
		Method:  method,
		URL:     target.String(),
		Headers: req.Headers,
		Body:    req.Body,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	if dl, ok := ctx.Deadline(); ok {
		p.Deadline = dl
	}
	if cb.OnAbort != nil {
		p.onAbort = func() {
			b.cfg.Post(func() {
				if b.ctx.Err() == nil {
					cb.OnAbort(Response{ReadyState: 4, FinalURL: p.URL})
				}
			})
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, apperr.Injection("page context torn down", nil)
	}
	b.pending[p.ID] = p
	b.mu.Unlock()

	go b.runRequest(ctx, p, httpReq, req.ResponseType, cb)
	return p, nil
}

// Pending returns the number of in-flight requests.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) runRequest(ctx context.Context, p *PendingRequest, httpReq *http.Request, responseType string, cb Callbacks) {
	defer b.finishRequest(p)

	resp, err := b.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		b.failRequest(ctx, p, cb, Response{ReadyState: 4, FinalURL: p.URL}, err)
		return
	}
	defer resp.Body.Close()

	r := Response{
		Status:           resp.StatusCode,
		StatusText:       http.StatusText(resp.StatusCode),
		ResponseHeaders:  formatHeaders(resp.Header),
		FinalURL:         resp.Request.URL.String(),
		ReadyState:       3,
		Total:            max(resp.ContentLength, 0),
		LengthComputable: resp.ContentLength >= 0,
	}

	var buf bytes.Buffer
	chunk := make([]byte, progressChunk)
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if cb.OnProgress != nil {
				pr := r
				pr.Loaded = int64(buf.Len())
				b.deliver(p, cb.OnProgress, pr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			b.failRequest(ctx, p, cb, r, rerr)
			return
		}
	}

	r.ReadyState = 4
	r.ResponseText = buf.String()
	r.Loaded = int64(buf.Len())
	if strings.EqualFold(responseType, "json") && gjson.Valid(r.ResponseText) {
		r.JSON = json.RawMessage(r.ResponseText)
	}
	b.deliver(p, cb.OnLoad, r)
}

func (b *Bridge) failRequest(ctx context.Context, p *PendingRequest, cb Callbacks, r Response, err error) {
	switch {
	case p.Aborted(), b.ctx.Err() != nil:
		return
	case errors.Is(ctx.Err(), context.DeadlineExceeded), isTimeout(err):
		r.Error = "timeout"
		b.deliver(p, cb.OnTimeout, r)
	default:
		r.Error = err.Error()
		b.log.Warn("xmlhttpRequest failed", "url", p.URL, "error", err)
		b.deliver(p, cb.OnError, r)
	}
}

// isTimeout catches deadlines set below the script, such as a client-wide
// http.Client.Timeout.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// deliver posts fn to the page loop unless the request was aborted or the
// page has gone away, checked both before posting and when it runs.
func (b *Bridge) deliver(p *PendingRequest, fn func(Response), r Response) {
	if fn == nil || p.Aborted() {
		return
	}
	b.cfg.Post(func() {
		if p.Aborted() || b.ctx.Err() != nil {
			return
		}
		fn(r)
	})
}

func (b *Bridge) finishRequest(p *PendingRequest) {
	b.mu.Lock()
	delete(b.pending, p.ID)
	b.mu.Unlock()
	p.cancel()
	close(p.done)
}

// connectAllowed applies @connect. Scripts without @connect may reach any host.
func (b *Bridge) connectAllowed(target *url.URL) bool {
	connects := b.cfg.Script.Meta.Connects
	if len(connects) == 0 {
		return true
	}
	host := strings.ToLower(target.Hostname())
	for _, c := range connects {
		c = strings.ToLower(strings.TrimSpace(c))
		switch c {
		case "*":
			return true
		case "self":
			if page, err := url.Parse(b.cfg.PageURL); err == nil && strings.EqualFold(page.Hostname(), host) {
				return true
			}
		case "localhost":
			if host == "localhost" || host == "127.0.0.1" || host == "::1" {
				return true
			}
		default:
			if host == c || strings.HasSuffix(host, "."+c) {
				return true
			}
		}
	}
	return false
}

func formatHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			sb.WriteString(strings.ToLower(k))
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
	return sb.String()
}
