package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/livemap/internal/livemap/domain"
)

var (
	// ErrPlatformPermission is returned by a Platform when access was revoked mid-request.
	ErrPlatformPermission = errors.New("location permission revoked")
	// ErrPlatformDisabled is returned by a Platform when location services are off.
	ErrPlatformDisabled = errors.New("location services disabled")
)

// Fix is a raw platform reading.
type Fix struct {
	Latitude  float64
	Longitude float64
	Time      time.Time
}

// Platform is the device location API. RequestFix delivers its outcome through
// cb, possibly after ctx expired; callers must tolerate late or missing callbacks.
type Platform interface {
	HasPermission() bool
	LocationEnabled() bool
	RequestFix(ctx context.Context, cb func(Fix, error))
}

// Options tunes acquisition.
type Options struct {
	Timeout        time.Duration
	UpdateInterval time.Duration
}

// Acquirer turns the callback-style Platform into LocationResult values.
type Acquirer struct {
	platform Platform
	opts     Options
	clock    domain.Clock
	logger   *zap.Logger
}

// NewAcquirer constructs an Acquirer.
func NewAcquirer(platform Platform, opts Options, logger *zap.Logger) *Acquirer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Acquirer{platform: platform, opts: opts, clock: domain.SystemClock{}, logger: logger}
}

// HasLocationPermission reports whether the platform grants location access.
func (a *Acquirer) HasLocationPermission() bool {
	return a.platform.HasPermission()
}

// CurrentLocation performs one acquisition bounded by the configured timeout.
func (a *Acquirer) CurrentLocation(ctx context.Context) domain.LocationResult {
	start := time.Now()
	res := a.acquire(ctx)
	label := domain.ResultLabel(res)
	acquisitionTotal.WithLabelValues(label).Inc()
	acquisitionSeconds.Observe(time.Since(start).Seconds())
	if _, ok := res.(domain.Success); !ok {
		a.logger.Debug("location acquisition failed", zap.String("result", label))
	}
	return res
}

func (a *Acquirer) acquire(ctx context.Context) domain.LocationResult {
	if !a.platform.HasPermission() {
		return domain.PermissionDenied{}
	}
	if !a.platform.LocationEnabled() {
		return domain.LocationDisabled{}
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	resolved := make(chan domain.LocationResult, 1)
	var once sync.Once
	a.platform.RequestFix(ctx, func(fix Fix, err error) {
		delivered := false
		once.Do(func() {
			resolved <- a.toResult(fix, err)
			delivered = true
		})
		if !delivered {
			lateCallbacks.Inc()
		}
	})

	select {
	case res := <-resolved:
		return res
	case <-ctx.Done():
		expired := false
		once.Do(func() { expired = true })
		if !expired {
			// the callback won the race while the timer fired
			return <-resolved
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Timeout{}
		}
		return domain.Failure{Message: ctx.Err().Error()}
	}
}

func (a *Acquirer) toResult(fix Fix, err error) domain.LocationResult {
	switch {
	case err == nil:
	case errors.Is(err, ErrPlatformPermission):
		return domain.PermissionDenied{}
	case errors.Is(err, ErrPlatformDisabled):
		return domain.LocationDisabled{}
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Timeout{}
	default:
		return domain.Failure{Message: err.Error()}
	}
	if verr := domain.ValidateCoordinate(fix.Latitude, fix.Longitude); verr != nil {
		return domain.Failure{Message: verr.Error()}
	}
	captured := fix.Time
	if captured.IsZero() {
		captured = a.clock.Now()
	}
	return domain.Success{Position: domain.Position{
		Latitude:         fix.Latitude,
		Longitude:        fix.Longitude,
		CapturedAtMillis: captured.UnixMilli(),
	}}
}

// LocationUpdates starts a per-subscriber acquisition loop. The channel closes
// when ctx is cancelled. Unsuccessful acquisitions are skipped.
func (a *Acquirer) LocationUpdates(ctx context.Context) <-chan domain.Position {
	out := make(chan domain.Position, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(a.opts.UpdateInterval)
		defer ticker.Stop()
		for {
			res := a.CurrentLocation(ctx)
			if ok, isSuccess := res.(domain.Success); isSuccess {
				select {
				case out <- ok.Position:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
