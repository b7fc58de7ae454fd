// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handy

import (
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/pgm/pkg/log"
	"gvisor.dev/pgm/pkg/sync"
)

// LargePageConfig tunes LargePagePolicy.
type LargePageConfig struct {
	// Slow is the allocation time above which allocation backs off.
	Slow time.Duration

	// Disable is the allocation time above which large pages are turned
	// off for good.
	Disable time.Duration

	// Backoff is the first backoff window.
	Backoff time.Duration

	// BackoffMax caps the backoff window.
	BackoffMax time.Duration
}

// DefaultLargePageConfig returns the default thresholds.
func DefaultLargePageConfig() LargePageConfig {
	return LargePageConfig{
		Slow:       100 * time.Millisecond,
		Disable:    time.Second,
		Backoff:    30 * time.Second,
		BackoffMax: 10 * time.Minute,
	}
}

// LargePagePolicy rate limits large page allocation for one VM. A slow
// allocation opens a backoff window during which allocation is refused with
// ErrTryAgain; each further slow allocation doubles the window. A fast
// allocation closes it. An allocation slower than the disable threshold
// turns large pages off.
type LargePagePolicy struct {
	cfg    LargePageConfig
	clock  backoff.Clock
	logger log.Logger

	mu sync.Mutex

	// +checklocks:mu
	disabled bool
	// +checklocks:mu
	backoff *backoff.ExponentialBackOff
	// +checklocks:mu
	retryAt time.Time
	// +checklocks:mu
	slowAllocs uint64
}

// NewLargePagePolicy returns a policy. A nil clock uses the system clock.
func NewLargePagePolicy(cfg LargePageConfig, clock backoff.Clock, logger log.Logger) *LargePagePolicy {
	if clock == nil {
		clock = backoff.SystemClock
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Backoff
	b.MaxInterval = cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()
	return &LargePagePolicy{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		backoff: b,
	}
}

// Disable turns large pages off.
func (p *LargePagePolicy) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = true
}

// Enabled reports whether large pages may still be allocated at some
// point.
func (p *LargePagePolicy) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disabled
}

// SlowAllocations returns the number of allocations that exceeded the slow
// threshold.
func (p *LargePagePolicy) SlowAllocations() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slowAllocs
}

// RetryAt returns the end of the current backoff window, or the zero time
// if there is none.
func (p *LargePagePolicy) RetryAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryAt
}

func (p *LargePagePolicy) allow() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled {
		return ErrLargePagesDisabled
	}
	if !p.retryAt.IsZero() && p.clock.Now().Before(p.retryAt) {
		return ErrTryAgain
	}
	return nil
}

func (p *LargePagePolicy) record(took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case took > p.cfg.Disable:
		p.disabled = true
		p.slowAllocs++
		p.logger.Warningf("Large page allocation took %v, disabling large pages", took)
	case took > p.cfg.Slow:
		p.slowAllocs++
		wait := p.backoff.NextBackOff()
		p.retryAt = p.clock.Now().Add(wait)
		p.logger.Infof("Large page allocation took %v, backing off for %v", took, wait)
	default:
		if !p.retryAt.IsZero() {
			p.backoff.Reset()
			p.retryAt = time.Time{}
		}
	}
}

// Do runs alloc unless large pages are disabled or backing off, and feeds
// its duration into the policy. The duration counts even if alloc fails.
func (p *LargePagePolicy) Do(alloc func() error) error {
	if err := p.allow(); err != nil {
		return err
	}
	start := p.clock.Now()
	err := alloc()
	p.record(p.clock.Now().Sub(start))
	return err
}
