package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// Launcher starts browser instances.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a running browser process. Close must always be called.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab. Queries return immediately with whatever is in the
// DOM; callers poll.
type Page interface {
	Navigate(ctx context.Context, url string) error
	ReadyState(ctx context.Context) (string, error)
	Elements(ctx context.Context, selector string) ([]Element, error)
	FrameElements(ctx context.Context, selector string) ([]Element, error)
	Document(ctx context.Context) (Document, error)
	Close() error
}

// Element is a DOM element's attributes and the base URI of its document.
type Element struct {
	Attrs   map[string]string `json:"attrs"`
	BaseURI string            `json:"baseURI"`
}

// Document is a rendered page snapshot.
type Document struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

const webdriverOverrideScript = "Object.defineProperty(navigator, 'webdriver', {get: () => undefined})"

const elementsJS = `(function(sel) {
  const collect = (doc) => Array.from(doc.querySelectorAll(sel)).map(el => {
    const attrs = {};
    for (const a of el.attributes) attrs[a.name] = a.value;
    return {attrs: attrs, baseURI: doc.baseURI};
  });
  return collect(document);
})(%s)`

// frameElementsJS reads each same-origin iframe's document. Cross-origin
// frames throw on contentDocument access and are skipped.
const frameElementsJS = `(function(sel) {
  const out = [];
  for (const frame of document.querySelectorAll('iframe')) {
    let doc = null;
    try { doc = frame.contentDocument; } catch (e) { continue; }
    if (!doc) continue;
    for (const el of doc.querySelectorAll(sel)) {
      const attrs = {};
      for (const a of el.attributes) attrs[a.name] = a.value;
      out.push({attrs: attrs, baseURI: doc.baseURI});
    }
  }
  return out;
})(%s)`

const documentJS = `({url: document.baseURI, html: document.documentElement ? document.documentElement.outerHTML : ""})`

// chromeFlags returns the command line switches for Chrome.
func chromeFlags(cfg BrowserConfig) map[string]any {
	flags := map[string]any{
		"headless":                              cfg.Headless,
		"no-sandbox":                            true,
		"disable-gpu":                           true,
		"disable-dev-shm-usage":                 true,
		"disable-setuid-sandbox":                true,
		"disable-extensions":                    true,
		"disable-software-rasterizer":           true,
		"ignore-certificate-errors":             true,
		"mute-audio":                            true,
		"no-first-run":                          true,
		"disable-default-apps":                  true,
		"disable-sync":                          true,
		"disable-translate":                     true,
		"disable-background-networking":         true,
		"disable-background-timer-throttling":   true,
		"disable-backgrounding-occluded-windows": true,
		"disable-renderer-backgrounding":        true,
		"disable-ipc-flooding-protection":       true,
		"disable-features":                      "VizDisplayCompositor,BackForwardCache",
		"disable-blink-features":                "AutomationControlled",
		"enable-automation":                     false,
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		flags["window-size"] = strconv.Itoa(cfg.WindowWidth) + "," + strconv.Itoa(cfg.WindowHeight)
	}
	if cfg.BlockImages {
		flags["blink-settings"] = "imagesEnabled=false"
	}
	if cfg.UserAgent != "" {
		flags["user-agent"] = cfg.UserAgent
	}
	return flags
}

func allocatorOptions(cfg BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := chromeFlags(cfg)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}

	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

// ChromeLauncher launches headless Chrome through chromedp.
type ChromeLauncher struct {
	cfg BrowserConfig
	log zerolog.Logger
}

// NewChromeLauncher returns a launcher for the given browser settings.
func NewChromeLauncher(cfg BrowserConfig, logger zerolog.Logger) *ChromeLauncher {
	return &ChromeLauncher{cfg: cfg, log: logger}
}

// Launch starts a browser process. The process lives until Close is called
// or ctx is cancelled.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(l.cfg)...)

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			l.log.Debug().Msgf(format, args...)
		}),
	)

	// The first Run allocates the process.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	activeBrowsers.Inc()

	return &chromeBrowser{
		cfg:           l.cfg,
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

type chromeBrowser struct {
	cfg           BrowserConfig
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)

	setup := chromedp.Tasks{
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetAutomationOverride(false).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(webdriverOverrideScript).Do(ctx)
			return err
		}),
	}
	if b.cfg.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(b.cfg.UserAgent))
	}
	if len(b.cfg.BlockedURLs) > 0 {
		setup = append(setup, network.SetBlockedURLs(b.cfg.BlockedURLs))
	}

	// The first Run on a tab context creates the tab; it must not be bound
	// to a shorter-lived context or the tab closes with it.
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(tabCtx, setup) }()
	select {
	case err := <-errc:
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("opening tab: %w", err)
		}
	case <-ctx.Done():
		tabCancel()
		return nil, ctx.Err()
	}

	return &chromePage{ctx: tabCtx, cancel: tabCancel}, nil
}

// Close shuts the browser down gracefully and releases the allocator.
func (b *chromeBrowser) Close() error {
	defer activeBrowsers.Dec()
	err := chromedp.Cancel(b.ctx)
	b.browserCancel()
	b.allocCancel()
	return err
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes actions on the tab, bounded by the caller's ctx.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var deadlineCancel context.CancelFunc
		runCtx, deadlineCancel = context.WithDeadline(runCtx, deadline)
		defer deadlineCancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) ReadyState(ctx context.Context) (string, error) {
	var state string
	err := p.run(ctx, chromedp.Evaluate(`document.readyState`, &state))
	return state, err
}

func (p *chromePage) Elements(ctx context.Context, selector string) ([]Element, error) {
	return p.query(ctx, elementsJS, selector)
}

func (p *chromePage) FrameElements(ctx context.Context, selector string) ([]Element, error) {
	return p.query(ctx, frameElementsJS, selector)
}

func (p *chromePage) query(ctx context.Context, script, selector string) ([]Element, error) {
	arg, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	var elems []Element
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(script, arg), &elems)); err != nil {
		return nil, err
	}
	return elems, nil
}

func (p *chromePage) Document(ctx context.Context) (Document, error) {
	var doc Document
	err := p.run(ctx, chromedp.Evaluate(documentJS, &doc))
	return doc, err
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}
