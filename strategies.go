package main

import (
	"context"
	"fmt"
	"time"
)

// Strategy names, reported in results and metrics.
const (
	StrategyVideo         = "video"
	StrategySource        = "source"
	StrategyDataAttribute = "data-attribute"
	StrategyIframe        = "iframe"
	StrategyMarkup        = "markup"
)

// maxFollowedFrames caps how many iframe documents are loaded in their own tab.
const maxFollowedFrames = 3

// session is the browser state a strategy searches.
type session struct {
	browser Browser
	page    Page
}

type strategy struct {
	name string
	find func(ctx context.Context, s session) (string, error)
}

type elementQuery func(ctx context.Context, p Page) ([]Element, error)

func topDocument(selector string) elementQuery {
	return func(ctx context.Context, p Page) ([]Element, error) {
		return p.Elements(ctx, selector)
	}
}

// insideFrames queries same-origin iframe documents, trying each selector in
// turn and returning the first non-empty match.
func insideFrames(selectors ...string) elementQuery {
	return func(ctx context.Context, p Page) ([]Element, error) {
		var lastErr error
		for _, sel := range selectors {
			elems, err := p.FrameElements(ctx, sel)
			if err != nil {
				lastErr = err
				continue
			}
			if len(elems) > 0 {
				return elems, nil
			}
		}
		return nil, lastErr
	}
}

// videoElements returns video and video source elements of a document,
// videos first.
func videoElements(ctx context.Context, p Page) ([]Element, error) {
	var all []Element
	for _, sel := range []string{"video", "video source"} {
		elems, err := p.Elements(ctx, sel)
		if err != nil {
			return nil, err
		}
		all = append(all, elems...)
	}
	return all, nil
}

func anyMedia(string) bool { return true }

var frameMediaAttrs = []string{"src", "data-src", "data-video-src"}

// buildStrategies returns the strategies in priority order.
func buildStrategies(cfg LocatorConfig) []strategy {
	wait := func(q elementQuery) elementQuery {
		return func(ctx context.Context, p Page) ([]Element, error) {
			return waitForElements(ctx, cfg.StrategyTimeout, cfg.PollInterval, func(ctx context.Context) ([]Element, error) {
				return q(ctx, p)
			})
		}
	}

	strategies := []strategy{
		elementStrategy(StrategyVideo, wait(topDocument("video")),
			[]string{"src", "data-src", "data-video-src"}, anyMedia),
		elementStrategy(StrategySource, wait(topDocument("video source")),
			[]string{"src", "data-src"}, hasMediaExtension),
		elementStrategy(StrategyDataAttribute, wait(topDocument("[data-video-src]")),
			[]string{"data-video-src", "src", "data-src"}, anyMedia),
		frameStrategy(cfg, wait(topDocument("iframe"))),
	}
	if cfg.ScanMarkup {
		strategies = append(strategies, strategy{name: StrategyMarkup, find: findInMarkup})
	}
	return strategies
}

// elementStrategy picks the first attribute, in attrs order, of the first
// element that resolves to an accepted media URL.
func elementStrategy(name string, query elementQuery, attrs []string, accept func(string) bool) strategy {
	return strategy{
		name: name,
		find: func(ctx context.Context, s session) (string, error) {
			elems, err := query(ctx, s.page)
			if err != nil {
				return "", err
			}
			return pickMedia(elems, attrs, accept), nil
		},
	}
}

func pickMedia(elems []Element, attrs []string, accept func(string) bool) string {
	for _, el := range elems {
		for _, attr := range attrs {
			u, ok := resolveMediaURL(el.BaseURI, el.Attrs[attr])
			if ok && accept(u) {
				return u
			}
		}
	}
	return ""
}

// frameStrategy looks for a video inside the page's iframes. Same-origin
// frame documents are read in place. Frames the page cannot read into, such
// as cross-origin players, are loaded in a separate tab of the same browser
// so the page itself is left as it was.
func frameStrategy(cfg LocatorConfig, frames elementQuery) strategy {
	return strategy{
		name: StrategyIframe,
		find: func(ctx context.Context, s session) (string, error) {
			iframes, err := frames(ctx, s.page)
			if err != nil || len(iframes) == 0 {
				return "", err
			}

			elems, err := insideFrames("video", "video source")(ctx, s.page)
			if err == nil {
				if u := pickMedia(elems, frameMediaAttrs, anyMedia); u != "" {
					return u, nil
				}
			}

			return followFrames(ctx, cfg, s.browser, frameSources(iframes))
		},
	}
}

// frameSources returns the distinct http(s) iframe sources, lazy-load
// attributes included.
func frameSources(iframes []Element) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range iframes {
		for _, attr := range []string{"src", "data-src"} {
			u, ok := resolveMediaURL(f.BaseURI, f.Attrs[attr])
			if !ok || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
			break
		}
		if len(out) == maxFollowedFrames {
			break
		}
	}
	return out
}

// followFrames opens each frame source in its own tab until one yields
// media. All frames share one page load plus one strategy wait.
func followFrames(ctx context.Context, cfg LocatorConfig, browser Browser, sources []string) (string, error) {
	if browser == nil || len(sources) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.PageLoadTimeout+cfg.StrategyTimeout)
	defer cancel()

	var lastErr error
	for _, src := range sources {
		u, err := followFrame(ctx, cfg, browser, src)
		if u != "" {
			return u, nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func followFrame(ctx context.Context, cfg LocatorConfig, browser Browser, src string) (string, error) {
	tab, err := browser.NewPage(ctx)
	if err != nil {
		return "", fmt.Errorf("opening frame tab: %w", err)
	}
	defer tab.Close()

	navCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.PageLoadTimeout > 0 {
		navCtx, cancel = context.WithTimeout(ctx, cfg.PageLoadTimeout)
	}
	err = tab.Navigate(navCtx, src)
	cancel()
	if err != nil {
		return "", fmt.Errorf("loading frame %s: %w", src, err)
	}

	elems, err := waitForElements(ctx, cfg.StrategyTimeout, cfg.PollInterval, func(ctx context.Context) ([]Element, error) {
		return videoElements(ctx, tab)
	})
	if err != nil {
		return "", err
	}
	return pickMedia(elems, frameMediaAttrs, anyMedia), nil
}

func findInMarkup(ctx context.Context, s session) (string, error) {
	doc, err := s.page.Document(ctx)
	if err != nil {
		return "", err
	}
	u, _ := scanMarkup(doc.HTML, doc.URL)
	return u, nil
}

// waitForElements polls query until it returns at least one element or
// timeout elapses. A timeout with no elements is not an error unless every
// poll failed.
func waitForElements(ctx context.Context, timeout, interval time.Duration, query func(context.Context) ([]Element, error)) ([]Element, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	succeeded := false
	for {
		elems, err := query(ctx)
		if err == nil {
			succeeded = true
			if len(elems) > 0 {
				return elems, nil
			}
		} else if ctx.Err() == nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if !succeeded && lastErr != nil {
				return nil, lastErr
			}
			return nil, nil
		case <-ticker.C:
		}
	}
}
