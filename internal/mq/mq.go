// Package mq implements the controller's multi-queue dispatch framework:
// per-queue bounded submission/completion pipes with dedicated consumer
// goroutines, backpressure, and a timeout sweeper that detects stalled
// requests and keeps the submission side supplied with free slots.
//
// Each queue owns five entry lists. A producer moves a free SQ entry to
// SQ-used; the SQ consumer moves it to SQ-wait and runs the submission
// callback; completing moves the SQ entry back to free and pushes a CQ
// entry through CQ-used to the completion callback. Entries that outlive
// the timeout are parked on an auxiliary list and replaced by freshly
// allocated "extended" entries so the free list never starves.
package mq

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Entry statuses.
type Status uint8

const (
	StatusFree Status = iota + 1
	StatusQueued
	StatusWaiting
	StatusTimeout
	StatusTimeoutCompleted
	StatusTimeoutBack
)

var (
	// ErrQueueFull reports exhausted free slots; the producer decides
	// whether to retry.
	ErrQueueFull = errors.New("mq: queue full")

	// ErrTimeoutBack reports a completion that arrived after the entry
	// had already timed out. The completion consumer is not re-invoked.
	ErrTimeoutBack = errors.New("mq: late completion for timed-out entry")
)

// Entry is one queue slot holding an opaque user pointer.
type Entry struct {
	Opaque interface{}
	QID    int
	Status Status

	wtime time.Time // submission timestamp for the sweeper
	isExt bool      // allocated after a timeout to refill the free list
}

// Consumer callbacks.
type (
	SQFn func(*Entry)       // runs the work; must eventually Complete
	CQFn func(interface{})  // delivers the completed opaque
	TOFn func([]interface{}) // receives timed-out opaques in batch
)

// Flags alter framework behaviour.
type Flags uint8

// ToComplete makes the sweeper synthesize a completion for every
// timed-out entry in addition to reporting it to the timeout consumer.
const ToComplete Flags = 1 << 0

// Config enumerates the multi-queue parameters.
type Config struct {
	Name    string
	NQueues int
	QSize   int
	SQ      SQFn
	CQ      CQFn
	TO      TOFn
	ToUsec  time.Duration
	Flags   Flags
}

// Stats is a snapshot of the per-queue counters.
type Stats struct {
	SQFree, SQUsed, SQWait int64
	CQFree, CQUsed         int64
	ExtList                int64
	Timeout                int64
	ToBack                 int64
}

type queue struct {
	mu     sync.Mutex
	sqCond *sync.Cond
	cqCond *sync.Cond

	sqFree []*Entry
	sqUsed []*Entry
	sqWait []*Entry
	cqFree []*Entry
	cqUsed []*Entry

	sqUsedN atomic.Int64

	running bool
}

// MQ is a set of submission/completion queue pairs with one timeout
// sweeper.
type MQ struct {
	cfg    Config
	queues []*queue

	extMu   sync.Mutex
	extList []*Entry

	stats struct {
		timeout atomic.Int64
		toBack  atomic.Int64
	}

	stopTO chan struct{}
	wg     sync.WaitGroup
}

// New validates the configuration, allocates the queues, and starts the
// consumer goroutines and the sweeper.
func New(cfg Config) (*MQ, error) {
	if cfg.NQueues < 1 || cfg.NQueues > 0x10000 ||
		cfg.QSize < 1 || cfg.QSize > 0x10000 {
		return nil, fmt.Errorf("mq: bad dimensions nq=%d qs=%d", cfg.NQueues, cfg.QSize)
	}
	if cfg.SQ == nil || cfg.CQ == nil {
		return nil, fmt.Errorf("mq: missing consumers")
	}

	m := &MQ{cfg: cfg, stopTO: make(chan struct{})}
	m.queues = make([]*queue, cfg.NQueues)
	for i := range m.queues {
		q := &queue{running: true}
		q.sqCond = sync.NewCond(&q.mu)
		q.cqCond = sync.NewCond(&q.mu)
		for j := 0; j < cfg.QSize; j++ {
			q.sqFree = append(q.sqFree, &Entry{Status: StatusFree, QID: i})
			q.cqFree = append(q.cqFree, &Entry{Status: StatusFree, QID: i})
		}
		m.queues[i] = q

		m.wg.Add(2)
		go m.sqConsumer(q)
		go m.cqConsumer(q)
	}

	if cfg.ToUsec > 0 {
		m.wg.Add(1)
		go m.sweeper()
	}

	return m, nil
}

// Submit binds an opaque to a free SQ slot of queue qid. Returns
// ErrQueueFull when no slot is free.
func (m *MQ) Submit(qid int, opaque interface{}) error {
	if qid < 0 || qid >= len(m.queues) {
		return fmt.Errorf("mq: queue %d out of range", qid)
	}
	q := m.queues[qid]

	q.mu.Lock()
	if len(q.sqFree) == 0 {
		q.mu.Unlock()
		return ErrQueueFull
	}
	e := q.sqFree[0]
	q.sqFree = q.sqFree[1:]

	e.Opaque = opaque
	e.QID = qid
	e.Status = StatusQueued
	e.wtime = time.Now()

	q.sqUsed = append(q.sqUsed, e)
	q.sqUsedN.Store(int64(len(q.sqUsed)))
	q.sqCond.Signal()
	q.mu.Unlock()
	return nil
}

// Complete finishes the work bound to an SQ entry: the entry returns to
// the free list and the opaque travels through the completion queue to the
// CQ consumer. A completion for an already timed-out entry only marks it
// TIMEOUT_BACK and returns ErrTimeoutBack.
func (m *MQ) Complete(e *Entry) error {
	if e == nil || e.Opaque == nil {
		return fmt.Errorf("mq: complete on empty entry")
	}
	q := m.queues[e.QID]

	q.mu.Lock()
	if e.Status == StatusTimeout || e.Status == StatusTimeoutCompleted {
		e.Status = StatusTimeoutBack
		q.mu.Unlock()

		m.extMu.Lock()
		m.removeExt(e)
		m.extMu.Unlock()
		m.stats.toBack.Add(1)
		return ErrTimeoutBack
	}

	if len(q.cqFree) == 0 {
		q.mu.Unlock()
		log.Printf("[mq (%s): CQ full, request dropped]", m.cfg.Name)
		return ErrQueueFull
	}
	cq := q.cqFree[0]
	q.cqFree = q.cqFree[1:]

	cq.Opaque = e.Opaque
	cq.QID = e.QID
	cq.Status = StatusQueued

	removeEntry(&q.sqWait, e)
	e.Opaque = nil
	e.Status = StatusFree
	q.sqFree = append(q.sqFree, e)

	q.cqUsed = append(q.cqUsed, cq)
	q.cqCond.Signal()
	q.mu.Unlock()
	return nil
}

// UsedCount returns the number of entries submitted to queue qid and not
// yet picked up by the SQ consumer.
func (m *MQ) UsedCount(qid int) int {
	if qid < 0 || qid >= len(m.queues) {
		return -1
	}
	return int(m.queues[qid].sqUsedN.Load())
}

// QueueStats returns a snapshot of queue qid's counters.
func (m *MQ) QueueStats(qid int) Stats {
	q := m.queues[qid]
	q.mu.Lock()
	defer q.mu.Unlock()
	m.extMu.Lock()
	ext := int64(len(m.extList))
	m.extMu.Unlock()
	return Stats{
		SQFree:  int64(len(q.sqFree)),
		SQUsed:  int64(len(q.sqUsed)),
		SQWait:  int64(len(q.sqWait)),
		CQFree:  int64(len(q.cqFree)),
		CQUsed:  int64(len(q.cqUsed)),
		ExtList: ext,
		Timeout: m.stats.timeout.Load(),
		ToBack:  m.stats.toBack.Load(),
	}
}

// Destroy stops the consumers and the sweeper and waits for them.
func (m *MQ) Destroy() {
	close(m.stopTO)
	for _, q := range m.queues {
		q.mu.Lock()
		q.running = false
		q.sqCond.Broadcast()
		q.cqCond.Broadcast()
		q.mu.Unlock()
	}
	m.wg.Wait()
}

// ───────────────────────────────────────────────────────────────────────────
// Consumers
// ───────────────────────────────────────────────────────────────────────────

func (m *MQ) sqConsumer(q *queue) {
	defer m.wg.Done()
	for {
		q.mu.Lock()
		for q.running && len(q.sqUsed) == 0 {
			q.sqCond.Wait()
		}
		if !q.running {
			q.mu.Unlock()
			return
		}
		e := q.sqUsed[0]
		q.sqUsed = q.sqUsed[1:]
		q.sqUsedN.Store(int64(len(q.sqUsed)))
		e.Status = StatusWaiting
		q.sqWait = append(q.sqWait, e)
		q.mu.Unlock()

		m.cfg.SQ(e)
	}
}

func (m *MQ) cqConsumer(q *queue) {
	defer m.wg.Done()
	for {
		q.mu.Lock()
		for q.running && len(q.cqUsed) == 0 {
			q.cqCond.Wait()
		}
		if !q.running {
			q.mu.Unlock()
			return
		}
		e := q.cqUsed[0]
		q.cqUsed = q.cqUsed[1:]
		opaque := e.Opaque
		e.Opaque = nil
		e.Status = StatusFree
		q.cqFree = append(q.cqFree, e)
		q.mu.Unlock()

		m.cfg.CQ(opaque)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Timeout sweeper
// ───────────────────────────────────────────────────────────────────────────

func (m *MQ) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ToUsec)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopTO:
			return
		case now := <-ticker.C:
			m.sweep(now)
		}
	}
}

// sweep scans every queue's wait list for entries older than the timeout,
// parks them on the extended list with a fresh replacement slot, and
// reports the batch.
func (m *MQ) sweep(now time.Time) {
	var batch []interface{}
	var timedOut []*Entry

	for _, q := range m.queues {
		q.mu.Lock()
		var keep []*Entry
		for _, e := range q.sqWait {
			if now.Sub(e.wtime) <= m.cfg.ToUsec {
				keep = append(keep, e)
				continue
			}
			e.Status = StatusTimeout
			m.stats.timeout.Add(1)
			timedOut = append(timedOut, e)
			batch = append(batch, e.Opaque)

			// Refill the free list so producers keep making progress.
			q.sqFree = append(q.sqFree, &Entry{Status: StatusFree, QID: e.QID, isExt: true})
		}
		q.sqWait = keep
		q.mu.Unlock()
	}

	if len(timedOut) == 0 {
		return
	}

	m.extMu.Lock()
	m.extList = append(m.extList, timedOut...)
	m.extMu.Unlock()

	if m.cfg.TO != nil {
		m.cfg.TO(batch)
	}

	if m.cfg.Flags&ToComplete != 0 {
		for _, e := range timedOut {
			m.completeTimedOut(e)
		}
	}
}

// completeTimedOut pushes a synthesized completion for a timed-out entry.
func (m *MQ) completeTimedOut(e *Entry) {
	q := m.queues[e.QID]
	q.mu.Lock()
	if e.Status != StatusTimeout {
		q.mu.Unlock()
		return
	}
	e.Status = StatusTimeoutCompleted
	if len(q.cqFree) == 0 {
		q.mu.Unlock()
		log.Printf("[mq (%s): CQ full, timeout completion dropped]", m.cfg.Name)
		return
	}
	cq := q.cqFree[0]
	q.cqFree = q.cqFree[1:]
	cq.Opaque = e.Opaque
	cq.QID = e.QID
	cq.Status = StatusQueued
	q.cqUsed = append(q.cqUsed, cq)
	q.cqCond.Signal()
	q.mu.Unlock()
}

func (m *MQ) removeExt(e *Entry) {
	for i, x := range m.extList {
		if x == e {
			m.extList = append(m.extList[:i], m.extList[i+1:]...)
			return
		}
	}
}

func removeEntry(list *[]*Entry, e *Entry) {
	for i, x := range *list {
		if x == e {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}
