package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const cacheKeyPrefix = "locate:"

// LocateService adds caching, request collapsing, metrics and events on top
// of a Locator.
type LocateService struct {
	locator  *Locator
	launcher Launcher
	cache    Cache
	ttl      time.Duration
	events   EventBus
	batch    BatchConfig
	group    singleflight.Group
	log      zerolog.Logger
}

// NewLocateService wires a service. A nil cache disables caching; a nil
// event bus disables events.
func NewLocateService(locator *Locator, launcher Launcher, cache Cache, ttl time.Duration, events EventBus, batch BatchConfig, logger zerolog.Logger) *LocateService {
	if events == nil {
		events = noopEventBus{}
	}
	return &LocateService{
		locator:  locator,
		launcher: launcher,
		cache:    cache,
		ttl:      ttl,
		events:   events,
		batch:    batch,
		log:      logger,
	}
}

// Locate returns a cached result when available. Concurrent lookups of the
// same target share one browser session.
func (s *LocateService) Locate(ctx context.Context, taskID, target string) (Result, error) {
	if err := validateTarget(target); err != nil {
		return Result{Target: target}, err
	}
	if res, ok := s.cached(ctx, target); ok {
		s.record(res, nil)
		s.publishLocated(ctx, taskID, res)
		return res, nil
	}

	ch := s.group.DoChan(target, func() (any, error) {
		// Detached so one caller hanging up does not fail the others.
		return s.locate(context.WithoutCancel(ctx), target)
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		if r.Err != nil {
			return res, r.Err
		}
		s.publishLocated(ctx, taskID, res)
		return res, nil
	case <-ctx.Done():
		return Result{Target: target}, ctx.Err()
	}
}

func (s *LocateService) locate(ctx context.Context, target string) (Result, error) {
	res, err := s.locator.Locate(ctx, target)
	s.record(res, err)
	if err == nil {
		s.store(ctx, res)
	}
	return res, err
}

// CacheStats reports the result cache counters when caching is enabled.
func (s *LocateService) CacheStats() (CacheStats, bool) {
	if s.cache == nil || s.ttl <= 0 {
		return CacheStats{}, false
	}
	return s.cache.Stats(), true
}

func (s *LocateService) publishLocated(ctx context.Context, taskID string, res Result) {
	s.publish(ctx, PubSubMessage{
		TaskID:  taskID,
		Event:   EventLocated,
		Message: eventPayload(res, nil),
	})
}

// record counts a lookup. Cache hits count under their original strategy
// and are left out of the duration histogram.
func (s *LocateService) record(res Result, err error) {
	outcome := outcomeFound
	switch {
	case err != nil:
		outcome = outcomeError
	case !res.Found():
		outcome = outcomeNotFound
	}
	strategy := res.Strategy
	if strategy == "" {
		strategy = "none"
	}
	lookupsTotal.WithLabelValues(strategy, outcome, strconv.FormatBool(res.Cached)).Inc()
	if !res.Cached {
		lookupDuration.WithLabelValues(outcome).Observe(res.Elapsed.Seconds())
	}
}

func (s *LocateService) cached(ctx context.Context, target string) (Result, bool) {
	if s.cache == nil || s.ttl <= 0 {
		return Result{}, false
	}
	data, ok := s.cache.Get(ctx, cacheKeyPrefix+target)
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		s.log.Warn().Err(err).Str("target", target).Msg("discarding undecodable cache entry")
		cacheLookups.WithLabelValues("miss").Inc()
		return Result{}, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	res.Cached = true
	return res, true
}

// store caches found results only; a page without media may gain one later.
func (s *LocateService) store(ctx context.Context, res Result) {
	if s.cache == nil || s.ttl <= 0 || !res.Found() {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode result for cache")
		return
	}
	s.cache.Set(ctx, cacheKeyPrefix+res.Target, data, s.ttl)
}

func (s *LocateService) publish(ctx context.Context, msg PubSubMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, msg); err != nil {
		s.log.Warn().Err(err).Str("task_id", msg.TaskID).Str("event", msg.Event).Msg("event publish failed")
	}
}

func eventPayload(res Result, err error) map[string]any {
	payload := map[string]any{
		"target":     res.Target,
		"url":        nil,
		"strategy":   res.Strategy,
		"elapsed_ms": res.Elapsed.Milliseconds(),
		"cached":     res.Cached,
	}
	if res.Found() {
		payload["url"] = res.URL
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	return payload
}
