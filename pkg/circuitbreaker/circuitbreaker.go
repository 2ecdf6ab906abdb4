package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the breaker
// is open or its half-open probes are used up.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker. Zero disables it.
	FailureThreshold int
	// SuccessThreshold successful probes close a half-open breaker.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes limits concurrent calls while half-open.
	MaxProbes int
	// IsFailure decides which errors count against the remote. Nil counts all.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         15 * time.Second,
		MaxProbes:        1,
	}
}

type Stats struct {
	State               State
	ConsecutiveFailures int
	Rejected            int64
	LastFailure         time.Time
	Since               time.Time
}

// Breaker stops calling a remote that keeps failing and lets a few probes
// through once the cooldown has passed.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	rejected  int64
	lastFail  time.Time
	since     time.Time

	onStateChange func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = 1
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.since = b.now()
	return b
}

// OnStateChange registers fn to run after every transition. fn runs on the
// calling goroutine without the breaker's lock held.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Execute calls fn unless the breaker is open. The error of fn is returned
// unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	if b.cfg.FailureThreshold <= 0 {
		return nil
	}

	b.mu.Lock()
	var notify func()
	defer func() {
		b.mu.Unlock()
		if notify != nil {
			notify()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.since) < b.cfg.Cooldown {
			b.rejected++
			return ErrOpen
		}
		notify = b.transitionLocked(StateHalfOpen)
		b.probes = 1
		return nil
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			b.rejected++
			return ErrOpen
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) record(err error) {
	if b.cfg.FailureThreshold <= 0 {
		return
	}
	failed := err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err))

	b.mu.Lock()
	var notify func()
	switch {
	case failed:
		b.failures++
		b.successes = 0
		b.lastFail = b.now()
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			notify = b.transitionLocked(StateOpen)
		}
	default:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.probes--
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				notify = b.transitionLocked(StateClosed)
			}
		}
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.since = b.now()
	b.successes = 0
	b.probes = 0
	if to == StateClosed {
		b.failures = 0
	}
	if fn := b.onStateChange; fn != nil {
		return func() { fn(from, to) }
	}
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Rejected:            b.rejected,
		LastFailure:         b.lastFail,
		Since:               b.since,
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transitionLocked(StateClosed)
	b.failures = 0
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}
