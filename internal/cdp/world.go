package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/gmhost/internal/gm"
)

// world is an isolated execution context in a tab's main frame.
type world struct {
	c    *Client
	tab  *TabContext
	name string
	id   runtime.ExecutionContextID
}

func (t *TabContext) binding(name string) func(string) {
	t.bindingsMu.Lock()
	defer t.bindingsMu.Unlock()
	return t.bindings[name]
}

func (t *TabContext) setBinding(name string, fn func(string)) {
	t.bindingsMu.Lock()
	defer t.bindingsMu.Unlock()
	if fn == nil {
		delete(t.bindings, name)
		return
	}
	t.bindings[name] = fn
}

// OpenWorld creates an isolated world named name in the tab's current
// document. The binding is added first so it is present when the world's
// context is created.
func (c *Client) OpenWorld(ctx context.Context, tabID, name string, calls func(payload string)) (gm.World, error) {
	tab, err := c.tab(tabID)
	if err != nil {
		return nil, err
	}
	tab.setBinding(name, calls)

	w := &world{c: c, tab: tab, name: name}
	err = c.run(ctx, tab, func(ctx context.Context) error {
		if err := runtime.AddBinding(name).WithExecutionContextName(name).Do(ctx); err != nil {
			return fmt.Errorf("add binding: %w", err)
		}
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return fmt.Errorf("frame tree: %w", err)
		}
		id, err := page.CreateIsolatedWorld(tree.Frame.ID).WithWorldName(name).Do(ctx)
		if err != nil {
			return fmt.Errorf("create isolated world: %w", err)
		}
		w.id = id
		return nil
	})
	if err != nil {
		tab.setBinding(name, nil)
		return nil, err
	}
	return w, nil
}

// run executes fn against the tab, bounded by EvalTimeout plus extra and
// by ctx.
func (c *Client) run(ctx context.Context, tab *TabContext, fn func(context.Context) error, extra ...time.Duration) error {
	limit := c.cfg.EvalTimeout
	for _, d := range extra {
		limit += d
	}
	runCtx, cancel := context.WithTimeout(tab.ctx, limit)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, chromedp.ActionFunc(fn))
}

// Eval runs src in the world. Past timeout the page terminates the
// evaluation and the error wraps gm.ErrTimeLimit.
func (w *world) Eval(ctx context.Context, src string, timeout time.Duration) error {
	start := time.Now()
	err := w.c.run(ctx, w.tab, func(ctx context.Context) error {
		params := runtime.Evaluate(src).WithContextID(w.id).WithReturnByValue(true)
		if timeout > 0 {
			params = params.WithTimeout(runtime.TimeDelta(timeout.Milliseconds()))
		}
		_, exc, err := params.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return exc
		}
		return nil
	}, timeout)
	if err != nil && timeout > 0 && time.Since(start) >= timeout {
		return fmt.Errorf("%w: %v", gm.ErrTimeLimit, err)
	}
	return err
}

// Close removes the binding. The world itself goes away with its document.
func (w *world) Close() {
	w.tab.setBinding(w.name, nil)
	select {
	case <-w.tab.done:
		return
	default:
	}
	err := w.c.run(context.Background(), w.tab, func(ctx context.Context) error {
		return runtime.RemoveBinding(w.name).Do(ctx)
	})
	if err != nil {
		slog.Debug("remove binding failed", "tab_id", w.tab.ID, "binding", w.name, "error", err)
	}
}
