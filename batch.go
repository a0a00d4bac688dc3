package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTooManyURLs is returned when a batch exceeds BatchConfig.MaxURLs.
var ErrTooManyURLs = errors.New("too many urls in batch")

// BatchItem is one entry of a batch lookup, in request order.
type BatchItem struct {
	Result
	Err error
}

// LocateAll looks up every target in one shared browser using a pool of
// tabs. Duplicate targets are looked up once. A cancel event for taskID
// stops work that has not started yet.
func (s *LocateService) LocateAll(ctx context.Context, taskID string, targets []string) ([]BatchItem, error) {
	if len(targets) == 0 {
		return nil, errors.New("no target urls provided")
	}
	if len(targets) > s.batch.MaxURLs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyURLs, len(targets), s.batch.MaxURLs)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe, err := s.events.Subscribe(ctx, taskID, func(msg PubSubMessage) {
		if msg.Event == EventCancel {
			s.log.Info().Str("task_id", taskID).Msg("batch cancelled by event")
			cancel()
		}
	})
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", taskID).Msg("cancel subscription failed")
	} else {
		defer unsubscribe()
	}

	// Serve what we can from cache before starting Chrome.
	items := make(map[string]BatchItem, len(targets))
	var pending []string
	for _, target := range targets {
		if _, seen := items[target]; seen {
			continue
		}
		if err := validateTarget(target); err != nil {
			items[target] = BatchItem{Result: Result{Target: target}, Err: err}
			continue
		}
		if res, ok := s.cached(ctx, target); ok {
			s.record(res, nil)
			items[target] = BatchItem{Result: res}
			continue
		}
		items[target] = BatchItem{}
		pending = append(pending, target)
	}

	if len(pending) > 0 {
		browser, err := s.launcher.Launch(ctx)
		if err != nil {
			return nil, fmt.Errorf("launching browser: %w", err)
		}
		defer func() {
			if err := browser.Close(); err != nil {
				s.log.Warn().Err(err).Msg("browser close failed")
			}
		}()

		done := 0
		pool := NewWorkerPool[Result](s.batch.Workers, s.log)
		pool.Start(ctx, func(ctx context.Context, target string) (Result, error) {
			res, err := s.locator.LocateIn(ctx, browser, target)
			s.record(res, err)
			if err == nil {
				s.store(ctx, res)
			}
			return res, err
		})
		pool.AddTasks(pending)
		pool.Stop()

		// Completion order, so item events read as progress.
		for _, tr := range pool.GetResults() {
			res := tr.Result
			if res.Target == "" {
				res.Target = tr.Data
			}
			items[tr.Data] = BatchItem{Result: res, Err: tr.Error}
			done++
			s.publish(ctx, PubSubMessage{
				TaskID: taskID,
				Event:  EventBatchItem,
				Message: map[string]any{
					"item":  eventPayload(res, tr.Error),
					"total": done,
				},
			})
		}
	}

	out := make([]BatchItem, 0, len(targets))
	found := 0
	for _, target := range targets {
		item := items[target]
		if item.Found() {
			found++
		}
		out = append(out, item)
	}

	s.publish(ctx, PubSubMessage{
		TaskID: taskID,
		Event:  EventBatchDone,
		Message: map[string]any{
			"total": len(out),
			"found": found,
			"at":    time.Now().UTC().Format(time.RFC3339),
		},
	})
	return out, nil
}
