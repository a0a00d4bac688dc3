package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBus struct {
	mu        sync.Mutex
	published []PubSubMessage
	handlers  map[string]func(PubSubMessage)
	pubErr    error
}

func newRecordingBus() *recordingBus {
	return &recordingBus{handlers: map[string]func(PubSubMessage){}}
}

func (b *recordingBus) Publish(_ context.Context, msg PubSubMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return b.pubErr
}

func (b *recordingBus) Subscribe(_ context.Context, taskID string, fn func(PubSubMessage)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[taskID] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, taskID)
	}, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.published {
		out = append(out, m.Event)
	}
	return out
}

func (b *recordingBus) deliver(taskID string, msg PubSubMessage) bool {
	b.mu.Lock()
	fn := b.handlers[taskID]
	b.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}

func newTestService(page *fakePage, cache Cache, ttl time.Duration, bus EventBus) (*LocateService, *fakeLauncher) {
	launcher := newFakeLauncher(page)
	locator := NewLocator(launcher, testLocatorConfig(), DefaultUserAgent, zerolog.Nop())
	svc := NewLocateService(locator, launcher, cache, ttl, bus, BatchConfig{Workers: 2, MaxURLs: 5}, zerolog.Nop())
	return svc, launcher
}

func videoPage(src string) *fakePage {
	page := newFakePage()
	page.elements["video"] = []Element{el(pageBase, "src", src)}
	return page
}

func TestLocateService_CachesFoundResults(t *testing.T) {
	bus := newRecordingBus()
	svc, launcher := newTestService(videoPage("https://cdn.example.com/a.mp4"), NewMemoryCache(), time.Minute, bus)
	ctx := context.Background()

	first, err := svc.Locate(ctx, "req-1", pageBase)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := svc.Locate(ctx, "req-2", pageBase)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, StrategyVideo, second.Strategy)

	assert.EqualValues(t, 1, launcher.launches.Load())
	assert.Equal(t, []string{EventLocated, EventLocated}, bus.events())
}

func TestLocateService_DoesNotCacheMisses(t *testing.T) {
	svc, launcher := newTestService(newFakePage(), NewMemoryCache(), time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := svc.Locate(ctx, "", pageBase)
		require.NoError(t, err)
		assert.False(t, res.Found())
	}
	assert.EqualValues(t, 2, launcher.launches.Load())
}

func TestLocateService_ZeroTTLDisablesCache(t *testing.T) {
	svc, launcher := newTestService(videoPage("https://cdn.example.com/a.mp4"), NewMemoryCache(), 0, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Locate(ctx, "", pageBase)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, launcher.launches.Load())
}

func TestLocateService_CollapsesConcurrentLookups(t *testing.T) {
	svc, launcher := newTestService(videoPage("https://cdn.example.com/a.mp4"), nil, 0, nil)
	launcher.delay = 100 * time.Millisecond

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]Result, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Locate(context.Background(), "", pageBase)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "https://cdn.example.com/a.mp4", results[i].URL)
	}
	assert.EqualValues(t, 1, launcher.launches.Load())
}

func TestLocateService_CallerCancelDoesNotFailOthers(t *testing.T) {
	svc, launcher := newTestService(videoPage("https://cdn.example.com/a.mp4"), nil, 0, nil)
	launcher.delay = 100 * time.Millisecond

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := svc.Locate(context.Background(), "", pageBase)
		done <- err
	}()

	_, err := svc.Locate(short, "", pageBase)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, <-done)
}

func TestLocateService_ErrorsAreReturnedNotCached(t *testing.T) {
	launcher := &fakeLauncher{launchErr: errors.New("no chrome")}
	locator := NewLocator(launcher, testLocatorConfig(), DefaultUserAgent, zerolog.Nop())
	cache := NewMemoryCache()
	bus := newRecordingBus()
	svc := NewLocateService(locator, launcher, cache, time.Minute, bus, BatchConfig{Workers: 1, MaxURLs: 1}, zerolog.Nop())

	_, err := svc.Locate(context.Background(), "", pageBase)
	require.Error(t, err)
	assert.EqualValues(t, 0, cache.Stats().Sets)
	assert.Empty(t, bus.events())
}

func TestLocateService_PublishFailureIsIgnored(t *testing.T) {
	bus := newRecordingBus()
	bus.pubErr = errors.New("pubsub unavailable")
	svc, _ := newTestService(videoPage("https://cdn.example.com/a.mp4"), nil, 0, bus)

	res, err := svc.Locate(context.Background(), "req", pageBase)
	require.NoError(t, err)
	assert.True(t, res.Found())
}

func TestLocateService_RejectsInvalidTarget(t *testing.T) {
	svc, launcher := newTestService(newFakePage(), nil, 0, nil)
	_, err := svc.Locate(context.Background(), "", "not a url")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.EqualValues(t, 0, launcher.launches.Load())
}

func TestLocateService_CacheHitsAreCounted(t *testing.T) {
	svc, _ := newTestService(videoPage("https://cdn.example.com/a.mp4"), NewMemoryCache(), time.Minute, nil)
	ctx := context.Background()

	hits := lookupsTotal.WithLabelValues(StrategyVideo, outcomeFound, "true")
	misses := lookupsTotal.WithLabelValues(StrategyVideo, outcomeFound, "false")
	hitsBefore, missesBefore := testutil.ToFloat64(hits), testutil.ToFloat64(misses)

	for i := 0; i < 3; i++ {
		_, err := svc.Locate(ctx, "", pageBase)
		require.NoError(t, err)
	}

	assert.Equal(t, hitsBefore+2, testutil.ToFloat64(hits))
	assert.Equal(t, missesBefore+1, testutil.ToFloat64(misses))

	stats, ok := svc.CacheStats()
	require.True(t, ok)
	assert.EqualValues(t, 2, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.EqualValues(t, 1, stats.Sets)
}

func TestLocateService_CacheStatsWithoutCache(t *testing.T) {
	svc, _ := newTestService(newFakePage(), nil, time.Minute, nil)
	_, ok := svc.CacheStats()
	assert.False(t, ok)
}
