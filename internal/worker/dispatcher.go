package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eksporyuk/broadcast-engine/internal/credit"
	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/pkg/distlock"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
)

const (
	// DefaultDispatchPollInterval is how often the dispatcher checks for
	// due campaigns.
	DefaultDispatchPollInterval = 30 * time.Second

	// DefaultDueBatchLimit caps the campaigns claimed per poll.
	DefaultDueBatchLimit = 20

	// dispatchLockTTL bounds how long a crashed dispatcher can hold a
	// campaign lock.
	dispatchLockTTL = 10 * time.Minute
)

// LockFactory builds a distributed lock for a key. Which backend it
// returns depends on deployment: Redis, PG advisory, or in-process.
type LockFactory func(key string) distlock.DistLock

// NewLockFactory picks the best available lock backend. Redis when
// available, PG advisory locks otherwise, in-process when neither is
// configured (single-instance development mode).
func NewLockFactory(redisClient *redis.Client, db *sql.DB) LockFactory {
	return func(key string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, dispatchLockTTL)
	}
}

// Dispatcher polls for SCHEDULED campaigns whose fire time has arrived and
// runs their occurrence through the broadcast service. A per-campaign
// distributed lock plus the service's status compare-and-swap together
// guarantee at most one dispatch per occurrence across instances.
type Dispatcher struct {
	svc          *broadcast.Service
	repo         broadcast.Repository
	locks        LockFactory
	workerID     string
	pollInterval time.Duration
	batchLimit   int

	// Stats
	fired   int64
	skipped int64
	errs    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewDispatcher creates a dispatch worker.
func NewDispatcher(svc *broadcast.Service, repo broadcast.Repository, locks LockFactory) *Dispatcher {
	hostname, _ := os.Hostname()
	return &Dispatcher{
		svc:          svc,
		repo:         repo,
		locks:        locks,
		workerID:     fmt.Sprintf("dispatcher-%s-%d", hostname, time.Now().UnixNano()%10000),
		pollInterval: DefaultDispatchPollInterval,
		batchLimit:   DefaultDueBatchLimit,
	}
}

// SetPollInterval overrides the poll cadence.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		d.pollInterval = interval
	}
}

// SetBatchLimit overrides how many due campaigns one poll claims.
func (d *Dispatcher) SetBatchLimit(n int) {
	if n > 0 {
		d.batchLimit = n
	}
}

// Start begins the polling loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log.Printf("[Dispatcher] %s starting with poll interval %v", d.workerID, d.pollInterval)

	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop stops the loop and waits for an in-flight dispatch to settle.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	log.Printf("[Dispatcher] %s stopping...", d.workerID)
	d.cancel()
	d.wg.Wait()
	log.Printf("[Dispatcher] %s stopped. Fired: %d, skipped: %d, errors: %d",
		d.workerID, atomic.LoadInt64(&d.fired), atomic.LoadInt64(&d.skipped), atomic.LoadInt64(&d.errs))
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// Sweep immediately so campaigns already due at startup do not wait
	// a full poll interval.
	d.ProcessDue(d.ctx)

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.ProcessDue(d.ctx)
		}
	}
}

// ProcessDue runs one poll cycle. Exported so tests and the development
// server can drive the dispatcher without the ticker.
func (d *Dispatcher) ProcessDue(ctx context.Context) {
	due, err := d.repo.ListDue(ctx, time.Now().UTC(), d.batchLimit)
	if err != nil {
		atomic.AddInt64(&d.errs, 1)
		log.Printf("[Dispatcher] list due campaigns: %v", err)
		return
	}

	for i := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOne(ctx, &due[i])
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, c *domain.Campaign) {
	lock := d.locks("broadcast:" + c.ID)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		atomic.AddInt64(&d.errs, 1)
		log.Printf("[Dispatcher] acquire lock for %s: %v", c.ID, err)
		return
	}
	if !acquired {
		atomic.AddInt64(&d.skipped, 1)
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("[Dispatcher] release lock for %s: %v", c.ID, err)
		}
	}()

	err = d.svc.FireScheduled(ctx, c)
	switch {
	case err == nil:
		atomic.AddInt64(&d.fired, 1)
		log.Printf("[Dispatcher] campaign %s fired", c.ID)
	case errors.Is(err, broadcast.ErrNotClaimed):
		// Another instance beat us between the poll and the claim.
		atomic.AddInt64(&d.skipped, 1)
	case credit.IsInsufficient(err):
		// Already moved to FAILED by the service; the account owner has
		// to top up and re-send.
		atomic.AddInt64(&d.errs, 1)
		log.Printf("[Dispatcher] campaign %s failed: %v", c.ID, err)
	default:
		atomic.AddInt64(&d.errs, 1)
		log.Printf("[Dispatcher] campaign %s: %v", c.ID, err)
	}
}
