package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakePage serves canned DOM state. navErrs is consumed one error per
// Navigate call; a nil entry (or an exhausted list) means success.
type fakePage struct {
	mu          sync.Mutex
	navErrs     []error
	navCalls    int
	navURLs     []string
	navBlock    bool
	readyState  string
	elements    map[string][]Element
	frames      map[string][]Element
	doc         Document
	queryCalls  map[string]int
	appearAfter map[string]int // selector -> polls before elements show up
	closed      atomic.Bool
}

func newFakePage() *fakePage {
	return &fakePage{
		readyState:  "complete",
		elements:    map[string][]Element{},
		frames:      map[string][]Element{},
		queryCalls:  map[string]int{},
		appearAfter: map[string]int{},
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	i := p.navCalls
	p.navCalls++
	p.navURLs = append(p.navURLs, url)
	var err error
	if i < len(p.navErrs) {
		err = p.navErrs[i]
	}
	block := p.navBlock
	p.mu.Unlock()

	if block || errors.Is(err, context.DeadlineExceeded) {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *fakePage) ReadyState(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyState, nil
}

func (p *fakePage) Elements(_ context.Context, selector string) ([]Element, error) {
	return p.lookup(p.elements, selector, selector), nil
}

func (p *fakePage) FrameElements(_ context.Context, selector string) ([]Element, error) {
	return p.lookup(p.frames, "frame:"+selector, selector), nil
}

// lookup counts polls per key and hides elements until appearAfter[key]
// polls have happened.
func (p *fakePage) lookup(m map[string][]Element, key, selector string) []Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls[key]++
	if p.queryCalls[key] <= p.appearAfter[key] {
		return nil
	}
	return m[selector]
}

func (p *fakePage) Document(context.Context) (Document, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc, nil
}

func (p *fakePage) Close() error {
	p.closed.Store(true)
	return nil
}

func (p *fakePage) navigations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navCalls
}

func (p *fakePage) visited() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navURLs...)
}

// fakeBrowser hands out page for every tab. Tabs opened while page is in
// use come from tabs, in order, when any are queued.
type fakeBrowser struct {
	page     *fakePage
	pageErr  error
	closeErr error
	closed   atomic.Int32
	pages    atomic.Int32

	mu   sync.Mutex
	tabs []*fakePage
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	n := b.pages.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 1 && len(b.tabs) > 0 {
		tab := b.tabs[0]
		b.tabs = b.tabs[1:]
		return tab, nil
	}
	return b.page, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

type fakeLauncher struct {
	browser   *fakeBrowser
	launchErr error
	launches  atomic.Int32
	delay     time.Duration
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	l.launches.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	return l.browser, nil
}

func newFakeLauncher(page *fakePage) *fakeLauncher {
	return &fakeLauncher{browser: &fakeBrowser{page: page}}
}

func testLocatorConfig() LocatorConfig {
	return LocatorConfig{
		Timeout:            5 * time.Second,
		PageLoadTimeout:    50 * time.Millisecond,
		NavigationAttempts: 3,
		NavigationBackoff:  10 * time.Millisecond,
		ReadyTimeout:       100 * time.Millisecond,
		StrategyTimeout:    60 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		ScanMarkup:         true,
	}
}

func el(base string, attrs ...string) Element {
	m := make(map[string]string, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		m[attrs[i]] = attrs[i+1]
	}
	return Element{Attrs: m, BaseURI: base}
}
