package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNavigationTimeout is returned when every navigation attempt timed out.
	ErrNavigationTimeout = errors.New("page load timed out")
	// ErrInvalidTarget is returned for URLs that are not absolute http(s).
	ErrInvalidTarget = errors.New("target must be an absolute http or https URL")
)

// Result is the outcome of a lookup. An empty URL means no strategy matched.
type Result struct {
	Target   string        `json:"target"`
	URL      string        `json:"url,omitempty"`
	Strategy string        `json:"strategy,omitempty"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Cached   bool          `json:"cached,omitempty"`
}

// Found reports whether a media URL was resolved.
func (r Result) Found() bool { return r.URL != "" }

// Locator drives a browser to find a playable media URL on a page.
type Locator struct {
	launcher   Launcher
	cfg        LocatorConfig
	userAgent  string
	strategies []strategy
	log        zerolog.Logger
}

// NewLocator returns a Locator that launches browsers with launcher.
func NewLocator(launcher Launcher, cfg LocatorConfig, userAgent string, logger zerolog.Logger) *Locator {
	return &Locator{
		launcher:   launcher,
		cfg:        cfg,
		userAgent:  userAgent,
		strategies: buildStrategies(cfg),
		log:        logger,
	}
}

// Locate launches a dedicated browser, looks for media on target and always
// releases the browser before returning.
func (l *Locator) Locate(caller context.Context, target string) (Result, error) {
	if err := validateTarget(target); err != nil {
		return Result{Target: target}, err
	}
	ctx, cancel := l.withTimeout(caller)
	defer cancel()

	start := time.Now()
	browser, err := l.launcher.Launch(ctx)
	if err != nil {
		return Result{Target: target}, fmt.Errorf("launching browser: %w", err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			l.log.Warn().Err(err).Msg("browser close failed")
			return
		}
		l.log.Debug().Msg("browser closed")
	}()

	res, err := l.locateIn(caller, ctx, browser, target)
	res.Elapsed = time.Since(start)
	return res, err
}

// LocateIn runs a lookup in a new tab of an already running browser.
func (l *Locator) LocateIn(caller context.Context, browser Browser, target string) (Result, error) {
	if err := validateTarget(target); err != nil {
		return Result{Target: target}, err
	}
	ctx, cancel := l.withTimeout(caller)
	defer cancel()

	start := time.Now()
	res, err := l.locateIn(caller, ctx, browser, target)
	res.Elapsed = time.Since(start)
	return res, err
}

func (l *Locator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, l.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// locateIn runs one lookup under ctx, which carries the overall lookup
// deadline. Running out of that deadline after the page loaded is a miss,
// not a failure, as long as caller is still waiting.
func (l *Locator) locateIn(caller, ctx context.Context, browser Browser, target string) (Result, error) {
	res := Result{Target: target}
	logger := l.log.With().Str("target", target).Logger()

	page, err := browser.NewPage(ctx)
	if err != nil {
		return res, fmt.Errorf("opening page: %w", err)
	}
	defer page.Close()

	logger.Info().Msg("navigating")
	res.Attempts, err = l.navigate(ctx, page, target, logger)
	if err != nil {
		return res, err
	}

	giveUp := func() (Result, error) {
		if caller.Err() != nil {
			return res, caller.Err()
		}
		logger.Warn().Msg("lookup deadline reached while searching, no video source found")
		return res, nil
	}

	if err := l.waitReady(ctx, page); err != nil {
		if ctx.Err() != nil {
			return giveUp()
		}
		if !l.cfg.SearchUnready {
			logger.Warn().Err(err).Msg("document never reached ready state, giving up")
			return res, nil
		}
		logger.Warn().Err(err).Msg("document never reached ready state, searching anyway")
	}

	s := session{browser: browser, page: page}
	for _, st := range l.strategies {
		u, err := st.find(ctx, s)
		if ctx.Err() != nil {
			return giveUp()
		}
		if err != nil {
			logger.Debug().Err(err).Str("strategy", st.name).Msg("strategy failed")
			continue
		}
		if u == "" {
			logger.Debug().Str("strategy", st.name).Msg("no media with strategy")
			continue
		}
		if l.cfg.VerifyMedia && !isMediaAlive(ctx, u, l.userAgent) {
			logger.Info().Str("strategy", st.name).Str("media_url", u).Msg("media url not reachable, skipping")
			continue
		}
		logger.Info().Str("strategy", st.name).Str("media_url", u).Msg("found video source")
		res.URL = u
		res.Strategy = st.name
		return res, nil
	}

	logger.Warn().Msg("no video source found with any strategy")
	return res, nil
}

// navigate loads target, retrying only page load timeouts. It returns the
// number of attempts made.
func (l *Locator) navigate(ctx context.Context, page Page, target string, logger zerolog.Logger) (int, error) {
	attempts := l.cfg.NavigationAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := l.navigateOnce(ctx, page, target)
		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("page loaded")
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return attempt, fmt.Errorf("navigating to %s: %w", target, err)
		}

		logger.Warn().Int("attempt", attempt).Int("max_attempts", attempts).Msg("page load timeout")
		if attempt == attempts {
			break
		}
		navigationRetries.Inc()

		timer := time.NewTimer(l.cfg.NavigationBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		}
	}
	return attempts, fmt.Errorf("%w: %s after %d attempts", ErrNavigationTimeout, target, attempts)
}

func (l *Locator) navigateOnce(ctx context.Context, page Page, target string) error {
	if l.cfg.PageLoadTimeout <= 0 {
		return page.Navigate(ctx, target)
	}
	navCtx, cancel := context.WithTimeout(ctx, l.cfg.PageLoadTimeout)
	defer cancel()

	err := page.Navigate(navCtx, target)
	if err != nil && navCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return context.DeadlineExceeded
	}
	return err
}

// waitReady polls document.readyState until it is "complete".
func (l *Locator) waitReady(ctx context.Context, page Page) error {
	timeout := l.cfg.ReadyTimeout
	if timeout <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	var lastState string
	for {
		state, err := page.ReadyState(ctx)
		if err == nil {
			if state == "complete" {
				return nil
			}
			lastState = state
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ready state %q after %s: %w", lastState, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
