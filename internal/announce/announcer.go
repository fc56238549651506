// Package announce schedules DHT announcements for locally held blobs.
// Every verified blob is announced shortly after it lands and then
// reannounced on an interval, so the node's records on the DHT outlive
// the remote datastores' expiry. Scheduling state lives in the blob
// index, which survives restarts; the announcer itself is stateless.
package announce

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ssd-technologies/umbra/internal/blob"
)

// Network is the slice of the DHT node the announcer needs: publish one
// blob hash and report how many remote nodes accepted the record.
type Network interface {
	AnnounceBlob(ctx context.Context, h blob.Hash) (int, error)
}

// Config configures the announcer. Zero values get defaults.
type Config struct {
	Index   *blob.Index
	Network Network

	// Workers bounds concurrent announcements. Default 4.
	Workers int

	// BatchSize bounds how many due blobs one poll claims. Default 32.
	BatchSize int

	// PollEvery is the queue poll interval. New blobs also wake the
	// loop immediately, so this only paces reannouncements. Default 30s.
	PollEvery time.Duration

	// Interval is the reannounce period after a successful round.
	// Default 23h, inside the typical 24h expiry of remote records.
	Interval time.Duration

	// Backoff is the retry delay after a failed announcement. Default 5m.
	Backoff time.Duration

	// Timeout bounds one announcement round-trip. Default 1m.
	Timeout time.Duration

	// Clock is swappable for tests. Defaults to the wall clock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 32
	}
	if c.PollEvery == 0 {
		c.PollEvery = 30 * time.Second
	}
	if c.Interval == 0 {
		c.Interval = 23 * time.Hour
	}
	if c.Backoff == 0 {
		c.Backoff = 5 * time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// Announcer drains the index's announce queue through a bounded worker
// pool. It implements blob.AnnounceSink: the store calls AnnounceBlob as
// each blob becomes verified, which wakes the scheduler without waiting
// for the next poll.
type Announcer struct {
	cfg  Config
	jobs chan blob.Hash
	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New builds an announcer. Call Start to run it.
func New(cfg Config) *Announcer {
	cfg.applyDefaults()
	return &Announcer{
		cfg:  cfg,
		jobs: make(chan blob.Hash, cfg.BatchSize),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the scheduler loop and the worker pool.
func (a *Announcer) Start() {
	a.wg.Add(1)
	go a.schedule()
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	log.Printf("[announce] started, %d workers, reannounce every %s", a.cfg.Workers, a.cfg.Interval)
}

// Stop shuts the announcer down and waits for in-flight work.
func (a *Announcer) Stop() {
	close(a.done)
	a.wg.Wait()
}

// AnnounceBlob wakes the scheduler for a newly verified blob. The blob
// is already due in the index; this just avoids waiting out the poll
// interval. Never blocks.
func (a *Announcer) AnnounceBlob(blob.Hash) {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// QueueDepth reports how many blobs are currently due or in flight.
func (a *Announcer) QueueDepth() (int, error) {
	return a.cfg.Index.AnnounceQueueDepth(a.cfg.Clock.Now())
}

// schedule claims due blobs from the index and feeds the worker pool.
func (a *Announcer) schedule() {
	defer a.wg.Done()
	ticker := a.cfg.Clock.Ticker(a.cfg.PollEvery)
	defer ticker.Stop()

	for {
		a.dispatch()
		select {
		case <-ticker.C:
		case <-a.wake:
		case <-a.done:
			return
		}
	}
}

func (a *Announcer) dispatch() {
	due, err := a.cfg.Index.DueForAnnounce(a.cfg.Clock.Now(), a.cfg.BatchSize)
	if err != nil {
		log.Printf("[announce] claim due blobs: %v", err)
		return
	}
	for _, h := range due {
		select {
		case a.jobs <- h:
		case <-a.done:
			// Unclaim so a restart picks it up right away.
			a.cfg.Index.SetNextAnnounce(h, a.cfg.Clock.Now())
			return
		}
	}
}

func (a *Announcer) worker() {
	defer a.wg.Done()
	for {
		select {
		case h := <-a.jobs:
			a.announce(h)
		case <-a.done:
			return
		}
	}
}

// announce publishes one blob and reschedules it: a full interval out on
// success, a short backoff on failure or when no node accepted the
// record.
func (a *Announcer) announce(h blob.Hash) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	stored, err := a.cfg.Network.AnnounceBlob(ctx, h)
	cancel()

	now := a.cfg.Clock.Now()
	if err != nil || stored == 0 {
		if err != nil {
			log.Printf("[announce] blob %s: %v", h.Short(), err)
		} else {
			log.Printf("[announce] blob %s: no node accepted the record", h.Short())
		}
		if rerr := a.cfg.Index.SetNextAnnounce(h, now.Add(a.cfg.Backoff)); rerr != nil {
			log.Printf("[announce] reschedule blob %s: %v", h.Short(), rerr)
		}
		return
	}
	if rerr := a.cfg.Index.SetNextAnnounce(h, now.Add(a.cfg.Interval)); rerr != nil {
		log.Printf("[announce] reschedule blob %s: %v", h.Short(), rerr)
	}
}
