package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
)

const (
	// DefaultReaperInterval is how often the reaper sweeps.
	DefaultReaperInterval = time.Minute

	// DefaultStuckThreshold is how long a campaign may sit in SENDING
	// without progress before the reaper fails it. Progress resets
	// updated_at on every recorded event, so only a dead dispatcher
	// trips this.
	DefaultStuckThreshold = 15 * time.Minute

	stuckReason = "dispatch stalled; reclaimed by watchdog"
)

// Reaper fails campaigns orphaned in SENDING by a crashed dispatcher so
// they stop blocking future fires.
type Reaper struct {
	repo      broadcast.Repository
	interval  time.Duration
	threshold time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewReaper creates a stuck-campaign watchdog.
func NewReaper(repo broadcast.Repository) *Reaper {
	return &Reaper{
		repo:      repo,
		interval:  DefaultReaperInterval,
		threshold: DefaultStuckThreshold,
	}
}

// SetThreshold overrides how stale a SENDING campaign must be.
func (r *Reaper) SetThreshold(d time.Duration) {
	if d > 0 {
		r.threshold = d
	}
}

// Start begins the sweep loop.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reaper already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop stops the sweep loop.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one pass. Exported for tests.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.threshold)
	n, err := r.repo.FailStuck(ctx, cutoff, stuckReason)
	if err != nil {
		log.Printf("[Reaper] fail stuck campaigns: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Reaper] failed %d stuck campaign(s)", n)
	}
}
