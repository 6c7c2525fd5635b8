// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	coordMailboxSize  = 64
	coordIdleEviction = 10 * time.Minute
	casMaxRetries     = 3
)

// Coordinator serializes all state-mutating actions per channel: break
// creation, decision precompute, skip-count persistence, manual cues.
// One goroutine runs per active channel with a bounded mailbox; idle
// workers are evicted. Reads never pass through here - the front-end
// reads the state store directly. Version CAS at the store is the
// backstop for writes that race across gateway nodes.
type Coordinator struct {
	store    *BreakStore
	resolver *Resolver

	mu      sync.Mutex
	workers map[string]*channelWorker

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	idleAfter time.Duration
}

type msgKind int

const (
	msgBreaks msgKind = iota
	msgTimeBased
	msgManualStart
	msgManualStop
	msgEnsureSkip
)

type coordMsg struct {
	kind    msgKind
	ch      *Channel
	org     *Organization
	breaks  []*AdBreak
	pod     *AdPod // manual cue with explicit pod
	breakID string
	skip    int
	skipMS  int64
	now     time.Time
	reply   chan coordReply // nil for fire-and-forget
}

type coordReply struct {
	brk *AdBreak
	err error
}

type channelWorker struct {
	channelID string
	mailbox   chan coordMsg
	stopped   bool // guarded by Coordinator.mu
}

func NewCoordinator(ctx context.Context, store *BreakStore, resolver *Resolver) *Coordinator {
	cctx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		store:     store,
		resolver:  resolver,
		workers:   make(map[string]*channelWorker),
		ctx:       cctx,
		cancel:    cancel,
		idleAfter: coordIdleEviction,
	}
}

// Shutdown stops all workers and waits for in-flight precomputes.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
}

// send enqueues a message on the channel's worker, spawning one when
// needed. The send happens under the manager lock so that a worker
// being evicted can never lose a message. A full mailbox returns
// errCoordinatorBusy instead of blocking the manifest path.
func (c *Coordinator) send(channelID string, msg coordMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[channelID]
	if !ok || w.stopped {
		w = &channelWorker{channelID: channelID, mailbox: make(chan coordMsg, coordMailboxSize)}
		c.workers[channelID] = w
		c.wg.Add(1)
		go c.run(w)
	}
	select {
	case w.mailbox <- msg:
		return nil
	default:
		return errCoordinatorBusy
	}
}

// tryEvict removes an idle worker. Re-checks the mailbox under the
// lock: a message may have raced in after the idle timer fired.
func (c *Coordinator) tryEvict(w *channelWorker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(w.mailbox) > 0 {
		return false
	}
	w.stopped = true
	if c.workers[w.channelID] == w {
		delete(c.workers, w.channelID)
	}
	return true
}

func (c *Coordinator) run(w *channelWorker) {
	defer c.wg.Done()
	idle := time.NewTimer(c.idleAfter)
	defer idle.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-idle.C:
			if c.tryEvict(w) {
				return
			}
			idle.Reset(c.idleAfter)
		case msg := <-w.mailbox:
			c.handle(msg)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.idleAfter)
		}
	}
}

func (c *Coordinator) handle(msg coordMsg) {
	switch msg.kind {
	case msgBreaks:
		for _, brk := range msg.breaks {
			c.consolidate(msg.ch, msg.org, brk, msg.now)
		}
	case msgTimeBased:
		c.handleTimeBased(msg)
	case msgManualStart:
		c.handleManualStart(msg)
	case msgManualStop:
		c.handleManualStop(msg)
	case msgEnsureSkip:
		c.handleEnsureSkip(msg)
	}
}

// OnBreaks hands detected break candidates to the channel's worker.
// Fire-and-forget: a full mailbox drops the batch (the same signals
// arrive again on the next manifest poll).
func (c *Coordinator) OnBreaks(ch *Channel, org *Organization, breaks []*AdBreak, now time.Time) error {
	if len(breaks) == 0 {
		return nil
	}
	err := c.send(ch.ID, coordMsg{kind: msgBreaks, ch: ch, org: org, breaks: breaks, now: now})
	if err != nil {
		slog.Warn("coordinator mailbox full, dropping signal batch", "channel", ch.ID, "breaks", len(breaks))
	}
	return err
}

// consolidate creates the break once per logical break. An unexpired
// break with the same id is reused as-is: fields are never rewritten,
// which keeps skip counts and decisions stable for every viewer.
func (c *Coordinator) consolidate(ch *Channel, org *Organization, brk *AdBreak, now time.Time) {
	existing, err := c.store.Get(c.ctx, brk.ChannelID, brk.BreakEventID)
	if err == nil && !existing.Expired(now) {
		return
	}
	if err != nil && err != errNotFound {
		slog.Warn("state store read failed during consolidation", "channel", brk.ChannelID, "breakId", brk.BreakEventID, "err", err)
		return
	}
	brk.Version = 0
	if err := c.store.Put(c.ctx, brk, now); err != nil {
		if err == ErrVersionConflict {
			// Another node created it first. Theirs wins.
			return
		}
		slog.Error("break create failed", "channel", brk.ChannelID, "breakId", brk.BreakEventID, "err", err)
		return
	}
	metrics.breaksDetected.Inc()
	slog.Info("ad break created", "channel", brk.ChannelID, "breakId", brk.BreakEventID,
		"source", brk.Source, "pdtStart", brk.PDTStart, "durationMS", brk.DurationMS)
	c.precompute(ch, org, brk)
}

// precompute runs the decision waterfall asynchronously with the 2 s
// budget and stores the result if it lands. Failure leaves decision_at
// unset so a later viewer request can trigger the lazy path.
func (c *Coordinator) precompute(ch *Channel, org *Organization, brk *AdBreak) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, decidePrecomputeBudget)
		defer cancel()
		pod, source, err := c.resolver.Decide(ctx, ch, org, brk)
		if err != nil && err != errNoInventory {
			slog.Warn("decision precompute failed", "channel", ch.ID, "breakId", brk.BreakEventID, "err", err)
			return
		}
		c.storeDecision(ch.ID, brk.BreakEventID, pod, source)
	}()
}

// storeDecision CAS-writes the decision onto the break. Once a
// decision is present it is never replaced until the break expires.
func (c *Coordinator) storeDecision(channelID, breakID string, pod *AdPod, source string) {
	_, err := c.casUpdate(c.ctx, channelID, breakID, func(b *AdBreak) bool {
		if b.Decision != nil {
			return false
		}
		now := time.Now()
		b.Decision = pod
		b.DecisionAt = &now
		b.DecisionSource = source
		return true
	})
	if err != nil {
		slog.Warn("decision store failed", "channel", channelID, "breakId", breakID, "err", err)
		return
	}
	slog.Info("ad decision stored", "channel", channelID, "breakId", breakID, "source", source, "podId", pod.PodID)
}

// casUpdate runs a read-mutate-write loop with up to casMaxRetries
// attempts. mutate returns false to abort (nothing to change). On
// persistent conflict the last read state is returned with the error,
// so callers can proceed with what won.
func (c *Coordinator) casUpdate(ctx context.Context, channelID, breakID string, mutate func(*AdBreak) bool) (*AdBreak, error) {
	var last *AdBreak
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		brk, err := c.store.Get(ctx, channelID, breakID)
		if err != nil {
			return nil, err
		}
		last = brk
		if !mutate(brk) {
			return brk, nil
		}
		err = c.store.Put(ctx, brk, time.Now())
		if err == nil {
			return brk, nil
		}
		if err != ErrVersionConflict {
			return nil, err
		}
	}
	slog.Warn("persistent version conflict, proceeding with last read", "channel", channelID, "breakId", breakID)
	return last, ErrVersionConflict
}

// EnsureSkip persists the skip count computed by the first rewrite.
// First writer wins: once a non-zero skip_segments is stored it is
// never changed, so every viewer resumes at the same origin segment.
func (c *Coordinator) EnsureSkip(ch *Channel, breakID string, skipSegments int, skipDurationMS int64) {
	if skipSegments <= 0 {
		return
	}
	err := c.send(ch.ID, coordMsg{
		kind: msgEnsureSkip, ch: ch, breakID: breakID,
		skip: skipSegments, skipMS: skipDurationMS,
	})
	if err != nil {
		slog.Warn("coordinator mailbox full, skip persistence deferred", "channel", ch.ID, "breakId", breakID)
	}
}

func (c *Coordinator) handleEnsureSkip(msg coordMsg) {
	brk, err := c.casUpdate(c.ctx, msg.ch.ID, msg.breakID, func(b *AdBreak) bool {
		if b.HasSkip() {
			return false
		}
		b.SkipSegments = uint32(msg.skip)
		b.SkipDurationMS = uint32(msg.skipMS)
		return true
	})
	if err != nil {
		slog.Warn("skip persistence failed", "channel", msg.ch.ID, "breakId", msg.breakID, "err", err)
		return
	}
	slog.Debug("skip count persisted", "channel", msg.ch.ID, "breakId", msg.breakID,
		"skipSegments", brk.SkipSegments, "skipDurationMS", brk.SkipDurationMS)
}

// LazyDecide runs the decision waterfall on the read path when the
// precompute never landed. Budget 500 ms soft, 1 s hard; the result is
// CAS-stored so later requests share it. Deterministic seeding makes
// two racing lazy decides converge on the same pod.
func (c *Coordinator) LazyDecide(ctx context.Context, ch *Channel, org *Organization, brk *AdBreak) (*AdPod, error) {
	ctx, cancel := context.WithTimeout(ctx, decideLazyHardBudget)
	defer cancel()
	start := time.Now()
	pod, source, err := c.resolver.Decide(ctx, ch, org, brk)
	if elapsed := time.Since(start); elapsed > decideLazySoftBudget {
		slog.Warn("slow lazy decision", "channel", ch.ID, "breakId", brk.BreakEventID, "elapsed", elapsed)
	}
	if err != nil && err != errNoInventory {
		return nil, err
	}
	decideErr := err
	c.storeDecision(ch.ID, brk.BreakEventID, pod, source)
	return pod, decideErr
}

// StartManualCue creates a MANUAL_CUE break rooted at the channel's
// current live PDT. Manual cues outrank SCTE-35 and time-based breaks
// at selection time, so an in-flight decision on a replaced break is
// simply never read again.
func (c *Coordinator) StartManualCue(ctx context.Context, ch *Channel, org *Organization, brk *AdBreak, pod *AdPod) (*AdBreak, error) {
	reply := make(chan coordReply, 1)
	err := c.send(ch.ID, coordMsg{
		kind: msgManualStart, ch: ch, org: org,
		breaks: []*AdBreak{brk}, pod: pod, now: brk.PDTStart, reply: reply,
	})
	if err != nil {
		return nil, err
	}
	select {
	case rep := <-reply:
		return rep.brk, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) handleManualStart(msg coordMsg) {
	brk := msg.breaks[0]
	brk.Version = 0
	if err := c.store.Put(c.ctx, brk, msg.now); err != nil {
		msg.reply <- coordReply{err: fmt.Errorf("manual cue store: %w", err)}
		return
	}
	metrics.breaksDetected.Inc()
	slog.Info("manual cue started", "channel", brk.ChannelID, "breakId", brk.BreakEventID,
		"pdtStart", brk.PDTStart, "durationMS", brk.DurationMS)
	if msg.pod != nil {
		c.storeDecision(brk.ChannelID, brk.BreakEventID, msg.pod, DecisionPod)
	} else {
		c.precompute(msg.ch, msg.org, brk)
	}
	msg.reply <- coordReply{brk: brk}
}

// StopActiveBreak ends the currently active break at a given instant
// (manual "/cue stop"). The highest-priority active break is clamped:
// pdt_end = at.
func (c *Coordinator) StopActiveBreak(ctx context.Context, ch *Channel, at time.Time) (*AdBreak, error) {
	reply := make(chan coordReply, 1)
	err := c.send(ch.ID, coordMsg{kind: msgManualStop, ch: ch, now: at, reply: reply})
	if err != nil {
		return nil, err
	}
	select {
	case rep := <-reply:
		return rep.brk, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) handleManualStop(msg coordMsg) {
	breaks, err := c.store.ListChannel(c.ctx, msg.ch.ID)
	if err != nil {
		msg.reply <- coordReply{err: err}
		return
	}
	var active *AdBreak
	for _, b := range breaks {
		if !b.Active(msg.now) {
			continue
		}
		if active == nil || b.Source.priority() > active.Source.priority() {
			active = b
		}
	}
	if active == nil {
		msg.reply <- coordReply{err: errNotFound}
		return
	}
	stopped, err := c.casUpdate(c.ctx, msg.ch.ID, active.BreakEventID, func(b *AdBreak) bool {
		if !b.Active(msg.now) {
			return false
		}
		b.PDTEnd = msg.now
		b.DurationMS = uint32(msg.now.Sub(b.PDTStart).Milliseconds())
		b.ExpiresAt = msg.now.Add(breakGracePeriod)
		return true
	})
	if err != nil {
		msg.reply <- coordReply{err: err}
		return
	}
	slog.Info("ad break stopped by cue", "channel", msg.ch.ID, "breakId", stopped.BreakEventID, "pdtEnd", stopped.PDTEnd)
	msg.reply <- coordReply{brk: stopped}
}

// OnTimeBased offers a TIME_BASED candidate from the auto-insert
// scheduler. SCTE-35 and manual breaks take precedence: a time-based
// break overlapping any live higher-priority break is dropped.
func (c *Coordinator) OnTimeBased(ch *Channel, org *Organization, brk *AdBreak, now time.Time) error {
	return c.send(ch.ID, coordMsg{kind: msgTimeBased, ch: ch, org: org, breaks: []*AdBreak{brk}, now: now})
}

func (c *Coordinator) handleTimeBased(msg coordMsg) {
	brk := msg.breaks[0]
	breaks, err := c.store.ListChannel(c.ctx, msg.ch.ID)
	if err != nil {
		slog.Warn("state store list failed for time-based break", "channel", msg.ch.ID, "err", err)
		return
	}
	for _, b := range breaks {
		if b.Expired(msg.now) || b.Source.priority() <= brk.Source.priority() {
			continue
		}
		if overlaps(brk.PDTStart, brk.PDTEnd, b.PDTStart, b.PDTEnd) {
			slog.Debug("time-based break suppressed by higher-priority break",
				"channel", msg.ch.ID, "suppressedBy", b.BreakEventID)
			return
		}
	}
	c.consolidate(msg.ch, msg.org, brk, msg.now)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
