// Package watcher subscribes to log channels, buffers records through
// bounded drop-oldest queues, and drives them through the pipeline with
// in-order commits and per-channel bookmark tracking.
//
// Each channel runs one producer, a pool of prepare workers, and a single
// committer. Workers classify concurrently; the committer reorders their
// output by sequence number so store commits and bookmark advances follow
// source order. Delivery is at-least-once; the event store dedups on
// unique_id.
package watcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MLidstrom/Castellan-sub009/internal/bookmark"
	"github.com/MLidstrom/Castellan-sub009/internal/config"
	"github.com/MLidstrom/Castellan-sub009/internal/core"
)

// maxRecordFailures is the failure budget before a record is moved to the
// channel's dead-letter set.
const maxRecordFailures = 3

// Subscriber yields records for one channel, starting after the given
// position token, or from the stream tail when the token is nil.
type Subscriber interface {
	Subscribe(ctx context.Context, channel ChannelSpec, after []byte) (<-chan SourceRecord, error)
}

// ChannelSpec is the subset of channel configuration a subscriber needs.
type ChannelSpec struct {
	Name        string
	XPathFilter string
}

// Prepared is the pipeline's classification result for one record, ready
// for an in-order commit.
type Prepared struct {
	Record  core.RawRecord
	Event   *core.SecurityEvent // nil when unmatched or suppressed
	Ignored bool
	Reasons []string
}

// Pipeline splits record handling into a concurrent prepare stage and a
// serialized commit stage.
type Pipeline interface {
	// Prepare normalizes and runs the ignore engine. Safe to call
	// concurrently.
	Prepare(ctx context.Context, rec core.RawRecord) (*Prepared, error)
	// Commit persists, correlates, and broadcasts. Called in source order
	// per channel.
	Commit(ctx context.Context, p *Prepared) error
}

// DeadLetter is a record that exhausted its failure budget. The channel
// bookmark does not advance past the first unresolved dead letter.
type DeadLetter struct {
	Record    core.RawRecord
	Position  []byte
	Failures  int
	LastError string
	At        time.Time
}

// Stats is a per-channel counter snapshot.
type Stats struct {
	Consumed    uint64
	Dropped     uint64
	DeadLetters int
}

// commitResult travels from a prepare worker to the committer.
type commitResult struct {
	rec      SourceRecord
	prepared *Prepared
	err      error
}

type channelState struct {
	spec     ChannelSpec
	persist  bool
	queue    *Queue
	results  chan commitResult
	consumed uint64

	mu          sync.Mutex
	pending     []byte // latest committed position not yet saved
	dirty       bool
	held        bool // an unresolved dead letter pins the bookmark
	deadLetters []DeadLetter
}

// Watcher owns the per-channel machinery.
type Watcher struct {
	cfg       config.WatcherConfig
	sub       Subscriber
	pipe      Pipeline
	bookmarks bookmark.Store
	logger    *log.Logger

	mu       sync.RWMutex
	channels map[string]*channelState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.WatcherConfig, sub Subscriber, pipe Pipeline, bookmarks bookmark.Store) *Watcher {
	return &Watcher{
		cfg:       cfg,
		sub:       sub,
		pipe:      pipe,
		bookmarks: bookmarks,
		logger:    log.New(log.Writer(), "[Watcher] ", log.LstdFlags),
		channels:  make(map[string]*channelState),
	}
}

// Start subscribes every enabled channel and launches its workers. It
// returns once all channels are running.
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for _, cc := range w.cfg.Channels {
		if !cc.IsEnabled() {
			w.logger.Printf("Channel %s disabled, skipping", cc.Name)
			continue
		}
		if err := w.startChannel(runCtx, cc); err != nil {
			cancel()
			return fmt.Errorf("start channel %s: %w", cc.Name, err)
		}
	}
	return nil
}

func (w *Watcher) startChannel(ctx context.Context, cc config.ChannelConfig) error {
	capacity := cc.MaxQueue
	if capacity <= 0 {
		capacity = w.cfg.DefaultMaxQueue
	}

	st := &channelState{
		spec:    ChannelSpec{Name: cc.Name, XPathFilter: cc.XPathFilter},
		persist: cc.Persistence() == config.BookmarkDatabase,
		queue:   NewQueue(capacity),
		results: make(chan commitResult, w.cfg.ConsumerConcurrency*2),
	}

	var after []byte
	if st.persist {
		bm, err := w.bookmarks.Load(ctx, cc.Name)
		if err != nil {
			return fmt.Errorf("load bookmark: %w", err)
		}
		if bm != nil {
			after = bm.Token
		}
	}

	records, err := w.sub.Subscribe(ctx, st.spec, after)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	w.mu.Lock()
	w.channels[cc.Name] = st
	w.mu.Unlock()

	w.wg.Add(1)
	go w.produce(ctx, st, records)

	workers := w.cfg.ConsumerConcurrency
	if workers <= 0 {
		workers = 1
	}
	var workerWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerWG.Add(1)
		w.wg.Add(1)
		go w.prepareWorker(ctx, st, &workerWG)
	}

	// Close the result stream once every worker has drained out.
	go func() {
		workerWG.Wait()
		close(st.results)
	}()

	w.wg.Add(1)
	go w.committer(ctx, st)

	w.wg.Add(1)
	go w.flushLoop(ctx, st)

	w.logger.Printf("Watching channel %s (queue=%d, workers=%d)", cc.Name, capacity, workers)
	return nil
}

// produce assigns sequence numbers and feeds the bounded queue.
func (w *Watcher) produce(ctx context.Context, st *channelState, records <-chan SourceRecord) {
	defer w.wg.Done()
	defer st.queue.Close()

	var seq uint64
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			rec.Seq = seq
			seq++
			st.queue.Push(rec)
		case <-ctx.Done():
			return
		}
	}
}

// prepareWorker drains the queue and runs the concurrent pipeline stage.
// Prepare failures are retried up to the record's failure budget.
func (w *Watcher) prepareWorker(ctx context.Context, st *channelState, workerWG *sync.WaitGroup) {
	defer w.wg.Done()
	defer workerWG.Done()

	for {
		rec, ok := st.queue.Pop(ctx)
		if !ok {
			return
		}
		atomic.AddUint64(&st.consumed, 1)

		var prepared *Prepared
		var err error
		for attempt := 0; attempt < maxRecordFailures; attempt++ {
			prepared, err = w.pipe.Prepare(ctx, rec.Record)
			if err == nil {
				break
			}
		}
		if err != nil {
			w.logger.Printf("Record %s on %s failed preparation %d times: %v",
				rec.Record.ID, st.spec.Name, maxRecordFailures, err)
		}

		select {
		case st.results <- commitResult{rec: rec, prepared: prepared, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// committer reorders worker output by sequence number and applies commits
// in source order, advancing the bookmark after each success.
func (w *Watcher) committer(ctx context.Context, st *channelState) {
	defer w.wg.Done()

	buffer := make(map[uint64]commitResult)
	var next uint64

	for res := range st.results {
		buffer[res.rec.Seq] = res
		for {
			ready, ok := buffer[next]
			if !ok {
				break
			}
			delete(buffer, next)
			next++
			w.commitOne(ctx, st, ready)
		}
	}
}

func (w *Watcher) commitOne(ctx context.Context, st *channelState, res commitResult) {
	if res.err != nil {
		w.deadLetter(st, res.rec, res.err)
		return
	}

	var err error
	for attempt := 0; attempt < maxRecordFailures; attempt++ {
		err = w.pipe.Commit(ctx, res.prepared)
		if err == nil {
			break
		}
	}
	if err != nil {
		w.logger.Printf("Record %s on %s failed commit %d times: %v",
			res.rec.Record.ID, st.spec.Name, maxRecordFailures, err)
		w.deadLetter(st, res.rec, err)
		return
	}

	st.mu.Lock()
	if !st.held && res.rec.Position != nil {
		st.pending = res.rec.Position
		st.dirty = true
	}
	st.mu.Unlock()
}

// deadLetter parks the record and pins the bookmark at its position so a
// restart redelivers it.
func (w *Watcher) deadLetter(st *channelState, rec SourceRecord, err error) {
	st.mu.Lock()
	st.held = true
	st.deadLetters = append(st.deadLetters, DeadLetter{
		Record:    rec.Record,
		Position:  rec.Position,
		Failures:  maxRecordFailures,
		LastError: err.Error(),
		At:        time.Now(),
	})
	st.mu.Unlock()
}

// flushLoop coalesces bookmark saves at the configured interval and always
// flushes once more on shutdown.
func (w *Watcher) flushLoop(ctx context.Context, st *channelState) {
	defer w.wg.Done()

	if !st.persist {
		return
	}

	interval := time.Duration(w.cfg.BookmarkFlushInterval)
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush(context.Background(), st)
		case <-ctx.Done():
			w.flush(context.Background(), st)
			return
		}
	}
}

func (w *Watcher) flush(ctx context.Context, st *channelState) {
	st.mu.Lock()
	if !st.dirty {
		st.mu.Unlock()
		return
	}
	token := append([]byte(nil), st.pending...)
	st.dirty = false
	st.mu.Unlock()

	if err := w.bookmarks.Save(ctx, st.spec.Name, token); err != nil {
		w.logger.Printf("Bookmark save failed for %s: %v", st.spec.Name, err)
		st.mu.Lock()
		st.dirty = true
		st.mu.Unlock()
	}
}

// Stop drains in-flight work, flushes bookmarks, and releases
// subscriptions.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, st := range w.channels {
		if st.persist {
			w.flush(context.Background(), st)
		}
	}
	w.logger.Println("Watcher stopped")
}

// Stats returns the counter snapshot for a channel.
func (w *Watcher) Stats(channel string) Stats {
	w.mu.RLock()
	st, ok := w.channels[channel]
	w.mu.RUnlock()
	if !ok {
		return Stats{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return Stats{
		Consumed:    atomic.LoadUint64(&st.consumed),
		Dropped:     st.queue.Dropped(),
		DeadLetters: len(st.deadLetters),
	}
}

// DeadLetters returns the channel's unresolved dead letters.
func (w *Watcher) DeadLetters(channel string) []DeadLetter {
	w.mu.RLock()
	st, ok := w.channels[channel]
	w.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]DeadLetter(nil), st.deadLetters...)
}

// ResolveDeadLetters clears a channel's dead letters and lets the bookmark
// advance again. Returns the number cleared.
func (w *Watcher) ResolveDeadLetters(channel string) int {
	w.mu.RLock()
	st, ok := w.channels[channel]
	w.mu.RUnlock()
	if !ok {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.deadLetters)
	st.deadLetters = nil
	st.held = false
	return n
}
