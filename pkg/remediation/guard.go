package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/cooldown"
	"github.com/3morii74/Hybrid-AIOps-for-Autonomous-Reliability-in-Cloud-Native-Systems/pkg/lock"
)

const releaseTimeout = 2 * time.Second

// ErrRestartSuppressed is matched by every SuppressedError.
var ErrRestartSuppressed = errors.New("restart suppressed")

// Suppression causes, used as metric labels.
const (
	CauseCooldown    = "cooldown"
	CauseContended   = "contended"
	CauseRateLimited = "rate_limited"
)

// SuppressedError reports why the guard refused a hard restart.
type SuppressedError struct {
	Cause  string
	Detail string
}

func (e *SuppressedError) Error() string {
	return fmt.Sprintf("restart suppressed (%s): %s", e.Cause, e.Detail)
}

// Is allows errors.Is(err, ErrRestartSuppressed).
func (e *SuppressedError) Is(target error) bool {
	return target == ErrRestartSuppressed
}

// LockReleaseError reports a restart lock that could not be given up.
type LockReleaseError struct {
	Err error
}

func (e *LockReleaseError) Error() string {
	return "release restart lock: " + e.Err.Error()
}

func (e *LockReleaseError) Unwrap() error { return e.Err }

// RestartGuard decides whether a hard restart may proceed. It serialises
// restarts through a lock, honours a cooldown window after each restart and
// caps the committed restarts in any rolling hour.
type RestartGuard struct {
	cooldown cooldown.Manager
	window   time.Duration
	perHour  int
	locker   lock.Manager
	now      func() time.Time

	mu       sync.Mutex
	restarts []time.Time
}

// GuardOption customises a RestartGuard.
type GuardOption func(*RestartGuard)

// WithCooldown starts a cooldown window of the given length after each
// restart. A non-positive window disables the cooldown.
func WithCooldown(manager cooldown.Manager, window time.Duration) GuardOption {
	return func(g *RestartGuard) {
		if manager != nil && window > 0 {
			g.cooldown = manager
			g.window = window
		}
	}
}

// WithHourlyLimit admits at most perHour committed restarts in any rolling
// hour. Non-positive values disable the limit.
func WithHourlyLimit(perHour int) GuardOption {
	return func(g *RestartGuard) {
		if perHour > 0 {
			g.perHour = perHour
		}
	}
}

// WithLock serialises restarts through the provided lock manager.
func WithLock(manager lock.Manager) GuardOption {
	return func(g *RestartGuard) {
		if manager != nil {
			g.locker = manager
		}
	}
}

// WithGuardClock overrides the clock used by the hourly limit.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *RestartGuard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewRestartGuard builds a guard. Without options every restart is admitted.
func NewRestartGuard(opts ...GuardOption) *RestartGuard {
	g := &RestartGuard{locker: lock.NewNoopManager(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admission is a granted restart. The holder must call Release once the
// restart has settled.
type Admission struct {
	guard *RestartGuard
	lease lock.Lease
}

// Admit takes the restart lock and checks the cooldown window and the hourly
// limit. A refusal is returned as a *SuppressedError, joined with a
// *LockReleaseError when the lock could not be given up.
func (g *RestartGuard) Admit(ctx context.Context) (*Admission, error) {
	lease, err := g.locker.Acquire(ctx)
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return nil, &SuppressedError{Cause: CauseContended, Detail: held.Error()}
		}
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, &SuppressedError{Cause: CauseContended, Detail: "another doctor holds the restart lock"}
		}
		return nil, fmt.Errorf("acquire restart lock: %w", err)
	}
	admission := &Admission{guard: g, lease: lease}

	if g.cooldown != nil {
		status, err := g.cooldown.Status(ctx)
		if err != nil {
			return nil, admission.refuse(fmt.Errorf("read restart cooldown: %w", err))
		}
		if status.Active {
			return nil, admission.refuse(&SuppressedError{Cause: CauseCooldown, Detail: status.String()})
		}
	}

	if wait := g.nextSlot(); wait > 0 {
		return nil, admission.refuse(&SuppressedError{
			Cause:  CauseRateLimited,
			Detail: fmt.Sprintf("%d restarts in the last hour, next allowed in %s", g.perHour, wait.Round(time.Second)),
		})
	}
	return admission, nil
}

// nextSlot returns how long until the hourly limit admits another restart.
func (g *RestartGuard) nextSlot() time.Duration {
	if g.perHour <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	if len(g.restarts) < g.perHour {
		return 0
	}
	return g.restarts[0].Add(time.Hour).Sub(g.now())
}

func (g *RestartGuard) recordRestart() {
	if g.perHour <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pruneLocked(now)
	g.restarts = append(g.restarts, now)
}

func (g *RestartGuard) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := 0
	for keep < len(g.restarts) && !g.restarts[keep].After(cutoff) {
		keep++
	}
	g.restarts = g.restarts[keep:]
}

// Commit records a completed restart against the hourly limit and opens the
// cooldown window.
func (a *Admission) Commit(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.guard.recordRestart()
	if a.guard.cooldown == nil {
		return nil
	}
	if err := a.guard.cooldown.Start(ctx, a.guard.window); err != nil {
		return fmt.Errorf("start restart cooldown: %w", err)
	}
	return nil
}

// Release gives up the restart lock. It is safe to call more than once.
func (a *Admission) Release() error {
	if a == nil || a.lease == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := a.lease.Release(ctx)
	a.lease = nil
	if err != nil {
		return &LockReleaseError{Err: err}
	}
	return nil
}

func (a *Admission) refuse(err error) error {
	if releaseErr := a.Release(); releaseErr != nil {
		return errors.Join(err, releaseErr)
	}
	return err
}
