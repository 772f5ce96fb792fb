// Package reconcile watches one transfer order until the settlement store
// reports it paid, the payment window runs out, or the caller gives up.
//
// A Tracker owns the terminal-state flag shared by its poll ticker and by
// manual "I have paid" checks, so the confirmation callback runs once no
// matter which path observes the payment first.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"qrcheckout/backend/internal/domain"
	"qrcheckout/backend/internal/logger"
)

type State int32

const (
	Idle State = iota
	Polling
	Confirmed
	Expired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Confirmed:
		return "confirmed"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrNotStarted     = errors.New("reconcile: tracker not started")
	ErrAlreadyStarted = errors.New("reconcile: tracker already started")
	ErrCancelled      = errors.New("reconcile: tracker cancelled")
	ErrOrderMismatch  = errors.New("reconcile: status response is for a different order")
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultMaxTicks       = 120
	DefaultCountdown      = 600 * time.Second
	DefaultCountdownStep  = time.Second
	DefaultRequestTimeout = 10 * time.Second
)

// StatusChecker is the read-only status lookup. Implementations must not
// serve a cached unpaid answer.
type StatusChecker interface {
	PaymentStatus(ctx context.Context, orderCode string) (domain.PaymentStatusResponse, error)
}

type Config struct {
	PollInterval time.Duration
	MaxTicks     int
	// Countdown is the user-facing payment window.
	Countdown      time.Duration
	CountdownStep  time.Duration
	RequestTimeout time.Duration

	OnCountdown func(remaining time.Duration)
	OnExpired   func()
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   DefaultPollInterval,
		MaxTicks:       DefaultMaxTicks,
		Countdown:      DefaultCountdown,
		CountdownStep:  DefaultCountdownStep,
		RequestTimeout: DefaultRequestTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxTicks <= 0 {
		c.MaxTicks = d.MaxTicks
	}
	if c.Countdown <= 0 {
		c.Countdown = d.Countdown
	}
	if c.CountdownStep <= 0 {
		c.CountdownStep = d.CountdownStep
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

type Tracker struct {
	orderCode   string
	checker     StatusChecker
	cfg         Config
	onConfirmed func(domain.PaymentStatusResponse)

	state atomic.Int32
	// closed is set by Stop on an expired tracker. Expired stays terminal,
	// but manual checks end too.
	closed    atomic.Bool
	ticks     atomic.Int64
	remaining atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	result domain.PaymentStatusResponse

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewTracker prepares a tracker in Idle. onConfirmed runs exactly once, on
// the goroutine that wins the confirmation.
func NewTracker(orderCode string, checker StatusChecker, onConfirmed func(domain.PaymentStatusResponse), cfg Config) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		orderCode:   orderCode,
		checker:     checker,
		cfg:         cfg,
		onConfirmed: onConfirmed,
		done:        make(chan struct{}),
	}
	t.remaining.Store(int64(cfg.Countdown))
	return t
}

func (t *Tracker) OrderCode() string { return t.orderCode }

func (t *Tracker) State() State { return State(t.state.Load()) }

// Remaining is the advisory countdown shown to the user.
func (t *Tracker) Remaining() time.Duration { return time.Duration(t.remaining.Load()) }

// Ticks reports how many poll ticks have fired.
func (t *Tracker) Ticks() int { return int(t.ticks.Load()) }

// Done is closed when polling ends, whatever the reason.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Result returns the confirming response once the tracker is Confirmed.
func (t *Tracker) Result() (domain.PaymentStatusResponse, bool) {
	if t.State() != Confirmed {
		return domain.PaymentStatusResponse{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, true
}

// Start enters Polling and launches the poll ticker and the countdown. The
// tracker stops on its own when ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) error {
	if !t.state.CompareAndSwap(int32(Idle), int32(Polling)) {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(2)
	go t.runTicker(runCtx)
	go t.runCountdown(runCtx)
	go func() {
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				t.Stop()
			}
		case <-t.done:
		}
	}()

	logger.SW("order_code", t.orderCode).Infow("reconcile_started",
		"poll_interval", t.cfg.PollInterval,
		"max_ticks", t.cfg.MaxTicks,
		"countdown", t.cfg.Countdown,
	)
	return nil
}

// Stop cancels the tracker: timers stop, in-flight responses are dropped on
// arrival and CheckNow makes no further calls. Confirmed and Expired trackers
// keep their state. Stop does not wait for in-flight checks; use Wait for that.
func (t *Tracker) Stop() {
	for {
		s := t.State()
		if s == Confirmed || s == Cancelled {
			return
		}
		if s == Expired {
			t.mu.Lock()
			closedNow := t.state.Load() == int32(Expired) && !t.closed.Swap(true)
			t.mu.Unlock()
			if closedNow {
				logger.SW("order_code", t.orderCode).Infow("reconcile_closed_after_expiry")
			}
			if t.State() != Expired {
				continue
			}
			return
		}
		if t.state.CompareAndSwap(int32(s), int32(Cancelled)) {
			t.stopTimers()
			t.finish()
			logger.SW("order_code", t.orderCode).Infow("reconcile_cancelled", "from", s.String())
			return
		}
	}
}

// Wait blocks until the timers and every in-flight tick have returned.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// CheckNow performs one immediate status check on behalf of the user. It is
// honored while polling and after expiry; once expired an unpaid answer is
// reported as ExpiredSessionError.
func (t *Tracker) CheckNow(ctx context.Context) (domain.PaymentStatusResponse, error) {
	switch t.State() {
	case Idle:
		return domain.PaymentStatusResponse{}, ErrNotStarted
	case Cancelled:
		return domain.PaymentStatusResponse{}, ErrCancelled
	case Confirmed:
		resp, _ := t.Result()
		return resp, nil
	}
	if t.closed.Load() {
		return domain.PaymentStatusResponse{}, ErrCancelled
	}

	resp, err := t.checker.PaymentStatus(ctx, t.orderCode)
	if err != nil {
		return domain.PaymentStatusResponse{}, err
	}

	if t.confirms(resp) {
		if t.confirm(resp, viaManual) {
			return resp, nil
		}
	} else if resp.Order != nil && resp.Order.OrderCode != t.orderCode {
		return domain.PaymentStatusResponse{}, ErrOrderMismatch
	}

	switch t.State() {
	case Confirmed:
		confirmed, _ := t.Result()
		return confirmed, nil
	case Cancelled:
		return domain.PaymentStatusResponse{}, ErrCancelled
	case Expired:
		if t.closed.Load() {
			return domain.PaymentStatusResponse{}, ErrCancelled
		}
		return resp, &domain.ExpiredSessionError{OrderCode: t.orderCode}
	default:
		return resp, nil
	}
}

func (t *Tracker) runTicker(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := t.ticks.Add(1)
			if n > int64(t.cfg.MaxTicks) {
				t.expire("max_ticks")
				return
			}
			// Responses may come back out of order; each tick stands alone.
			t.wg.Add(1)
			go t.tick(ctx, n)
		}
	}
}

func (t *Tracker) runCountdown(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.CountdownStep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			left := t.remaining.Add(-int64(t.cfg.CountdownStep))
			if left < 0 {
				t.remaining.Store(0)
				left = 0
			}
			if t.State() != Polling {
				return
			}
			if t.cfg.OnCountdown != nil {
				t.cfg.OnCountdown(time.Duration(left))
			}
			if left == 0 {
				t.expire("countdown")
				return
			}
		}
	}
}

func (t *Tracker) tick(ctx context.Context, n int64) {
	defer t.wg.Done()

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	resp, err := t.checker.PaymentStatus(reqCtx, t.orderCode)
	if t.State() != Polling {
		return
	}
	if err != nil {
		logger.SW("order_code", t.orderCode).Warnw("reconcile_tick_failed", "tick", n, "error", err)
		return
	}
	if !t.confirms(resp) {
		if resp.Order != nil && resp.Order.OrderCode != t.orderCode {
			logger.SW("order_code", t.orderCode).Warnw("reconcile_order_mismatch", "tick", n, "got", resp.Order.OrderCode)
		}
		return
	}
	t.confirm(resp, viaPoll)
}

func (t *Tracker) confirms(resp domain.PaymentStatusResponse) bool {
	return resp.Success &&
		resp.PaymentStatus == domain.PaymentStatusPaid &&
		resp.Order != nil &&
		resp.Order.OrderCode == t.orderCode
}

const (
	viaPoll   = "poll"
	viaManual = "manual"
)

// confirm moves Polling to Confirmed, and Expired to Confirmed only for a
// manual check on a tracker that has not been stopped. The timers are
// stopped before the swap, and only the goroutine that wins the swap runs
// the callback.
func (t *Tracker) confirm(resp domain.PaymentStatusResponse, via string) bool {
	for {
		s := t.State()
		if s != Polling && !(s == Expired && via == viaManual) {
			return false
		}
		t.stopTimers()

		t.mu.Lock()
		if s == Expired && t.closed.Load() {
			t.mu.Unlock()
			return false
		}
		if !t.state.CompareAndSwap(int32(s), int32(Confirmed)) {
			t.mu.Unlock()
			continue
		}
		t.result = resp
		t.mu.Unlock()

		t.finish()
		logger.SW("order_code", t.orderCode).Infow("reconcile_confirmed", "via", via, "ticks", t.Ticks())
		if t.onConfirmed != nil {
			t.onConfirmed(resp)
		}
		return true
	}
}

func (t *Tracker) expire(reason string) {
	if !t.state.CompareAndSwap(int32(Polling), int32(Expired)) {
		return
	}
	t.stopTimers()
	t.finish()
	logger.SW("order_code", t.orderCode).Infow("reconcile_expired", "reason", reason, "ticks", t.Ticks())
	if t.cfg.OnExpired != nil {
		t.cfg.OnExpired()
	}
}

func (t *Tracker) stopTimers() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *Tracker) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}
