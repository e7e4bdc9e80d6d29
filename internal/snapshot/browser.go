// File: internal/snapshot/browser.go
// Description: A chromedp-backed page session: captures live snapshots and
// executes wire-format actions. Element IDs resolve through the same
// document-order walk the extractor numbers them with, evaluated in-page.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/helmsman/api/schemas"
	"github.com/xkilldash9x/helmsman/internal/config"
)

// ErrElementNotFound reports that a numbered element did not resolve on the
// current page. It is an action failure, not a transport fault.
var ErrElementNotFound = errors.New("element not found on the current page")

// Browser is a single live Chrome tab. It implements
// schemas.SnapshotProvider. Not safe for concurrent use; the turn loop is
// sequential by construction.
type Browser struct {
	cfg         config.BrowserConfig
	log         *zap.Logger
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
}

// NewBrowser starts a Chrome process with one tab.
func NewBrowser(cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Force the browser to actually start so failures surface here, not on
	// the first capture.
	startCtx, cancel := context.WithTimeout(tabCtx, cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	return &Browser{
		cfg:         cfg,
		log:         logger.Named("browser"),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
	}, nil
}

// Close terminates the tab and the Chrome process.
func (b *Browser) Close() error {
	b.tabCancel()
	b.allocCancel()
	return nil
}

// Capture implements schemas.SnapshotProvider.
func (b *Browser) Capture(ctx context.Context) (schemas.PageSnapshot, error) {
	runCtx, cancel := b.runContext(ctx)
	defer cancel()

	var pageURL, rawHTML string
	err := chromedp.Run(runCtx,
		chromedp.Location(&pageURL),
		chromedp.OuterHTML("html", &rawHTML, chromedp.ByQuery),
	)
	if err != nil {
		return schemas.PageSnapshot{}, fmt.Errorf("failed to capture page: %w", err)
	}

	snap, err := Build(pageURL, rawHTML, b.cfg.MaxInteractive)
	if err != nil {
		return schemas.PageSnapshot{}, err
	}
	snap.CapturedAt = time.Now().UTC()
	b.log.Debug("Page captured",
		zap.String("url", snap.URL),
		zap.Int("interactive_elements", len(snap.Interactive)))
	return snap, nil
}

// Execute performs one wire-format action in the tab. Terminal actions are
// the orchestrator's to handle, not the browser's.
func (b *Browser) Execute(ctx context.Context, act schemas.Action) error {
	runCtx, cancel := b.runContext(ctx)
	defer cancel()

	switch act.Kind {
	case schemas.ActionNavigate:
		return chromedp.Run(runCtx,
			chromedp.Navigate(act.Text),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	case schemas.ActionClick:
		return b.evalOnElement(runCtx, act.ElementID, "el.click()")
	case schemas.ActionSetValue:
		js := fmt.Sprintf(`el.focus(); el.value = %q;
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));`, act.Text)
		return b.evalOnElement(runCtx, act.ElementID, js)
	case schemas.ActionScroll:
		direction := "1"
		if act.Text == "up" {
			direction = "-1"
		}
		return chromedp.Run(runCtx, chromedp.Evaluate(
			fmt.Sprintf("window.scrollBy(0, %s * window.innerHeight * 0.8)", direction), nil))
	case schemas.ActionWait:
		select {
		case <-time.After(time.Duration(act.DurationMS) * time.Millisecond):
			return nil
		case <-runCtx.Done():
			return runCtx.Err()
		}
	case schemas.ActionFinish, schemas.ActionFail:
		return fmt.Errorf("terminal action %s is not executable", act.Kind)
	}
	return fmt.Errorf("unknown action kind %q", act.Kind)
}

// evalOnElement runs a statement against the element with the given
// document-order ID, located by the same predicates the extractor numbers
// elements with.
func (b *Browser) evalOnElement(ctx context.Context, id int, statement string) error {
	js := fmt.Sprintf(`(() => {
		const tags = new Set(%s);
		const roles = new Set(%s);
		const els = [];
		const walk = (n) => {
			if (n.nodeType !== 1) return;
			const tag = n.tagName.toLowerCase();
			if (['script','style','noscript','template','svg','path','meta','link'].includes(tag)) return;
			const role = (n.getAttribute('role') || '').toLowerCase();
			const hidden = tag === 'input' && (n.getAttribute('type') || '').toLowerCase() === 'hidden';
			if (!hidden && (tags.has(tag) || roles.has(role))) els.push(n);
			for (const c of n.children) walk(c);
		};
		walk(document.documentElement);
		const el = els[%d];
		if (!el) return false;
		%s;
		return true;
	})()`, jsStringSet(interactiveTags), jsStringSet(interactiveRoles), id, statement)

	var found bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(js, &found)); err != nil {
		return fmt.Errorf("failed to evaluate element action: %w", err)
	}
	if !found {
		return fmt.Errorf("element %d: %w", id, ErrElementNotFound)
	}
	return nil
}

func (b *Browser) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(b.tabCtx, b.cfg.NavigationTimeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

// jsStringSet renders a Go string set as a JS array literal.
func jsStringSet(set map[string]bool) string {
	out := "["
	first := true
	for k := range set {
		if !first {
			out += ","
		}
		out += fmt.Sprintf("%q", k)
		first = false
	}
	return out + "]"
}
