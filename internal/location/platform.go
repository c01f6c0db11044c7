package location

import (
	"context"
	"sync"
	"time"
)

// SimulatedPlatform is a Platform whose permission, availability and readings
// are set programmatically. The service binary uses it as the device of the
// server-side session, tests use it to script outcomes.
type SimulatedPlatform struct {
	mu         sync.RWMutex
	permission bool
	enabled    bool
	fix        Fix
	err        error
	delay      time.Duration
	requests   int
}

// NewSimulatedPlatform returns a platform with permission granted and services enabled.
func NewSimulatedPlatform(lat, lon float64) *SimulatedPlatform {
	return &SimulatedPlatform{permission: true, enabled: true, fix: Fix{Latitude: lat, Longitude: lon}}
}

func (p *SimulatedPlatform) SetPermission(granted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = granted
}

func (p *SimulatedPlatform) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// SetFix changes the reading returned by subsequent requests and clears any error.
func (p *SimulatedPlatform) SetFix(lat, lon float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fix = Fix{Latitude: lat, Longitude: lon}
	p.err = nil
}

func (p *SimulatedPlatform) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SetDelay makes RequestFix answer after d.
func (p *SimulatedPlatform) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Requests counts RequestFix calls.
func (p *SimulatedPlatform) Requests() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requests
}

func (p *SimulatedPlatform) HasPermission() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.permission
}

func (p *SimulatedPlatform) LocationEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// RequestFix answers asynchronously; the answer is delivered even when ctx
// has already expired, like a real platform callback would be.
func (p *SimulatedPlatform) RequestFix(_ context.Context, cb func(Fix, error)) {
	p.mu.Lock()
	p.requests++
	fix, err, delay := p.fix, p.err, p.delay
	p.mu.Unlock()
	if fix.Time.IsZero() {
		fix.Time = time.Now().UTC()
	}
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		cb(fix, err)
	}()
}
