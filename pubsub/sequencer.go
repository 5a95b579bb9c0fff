package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// lane serializes sends for one ordering key. Messages queue behind the
// lane and are cut into a fresh batch only once the prior batch's send has
// resolved, so transport order equals submission order. Lanes are created
// on first use and retained for the publisher's lifetime.
type lane struct {
	queue    []laneItem
	inflight bool
	halted   bool
	err      error
}

type laneItem struct {
	env  *Envelope
	res  *PublishResult
	size int64
}

func (p *Publisher) publishOrdered(ctx context.Context, env *Envelope, size int64) (*PublishResult, error) {
	key := env.OrderingKey
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.flow.Release(size, 1)
		return nil, ErrPublisherStopped
	}
	ln := p.lanes[key]
	if ln == nil {
		ln = &lane{}
		p.lanes[key] = ln
	}
	if ln.halted {
		cause := ln.err
		p.mu.Unlock()
		p.flow.Release(size, 1)
		return nil, &LaneHaltedError{Key: key, Cause: cause}
	}
	res := p.results.add()
	ln.queue = append(ln.queue, laneItem{env: env, res: res, size: size})
	res.setCancel(func() bool { return p.cancelOrdered(key, res) })
	if !ln.inflight {
		p.startLaneLocked(key, ln)
	}
	p.mu.Unlock()
	if p.hooks.OnPublish != nil {
		p.hooks.OnPublish(ctx, p.topic, cloneMap(env.Attributes))
	}
	return res, nil
}

// startLaneLocked cuts the next batch off the lane queue, bounded by the
// publisher's batch limits, and marks the lane in flight. Lanes skip the
// linger timer: the serialization wait is their accumulation window.
func (p *Publisher) startLaneLocked(key string, ln *lane) {
	if len(ln.queue) == 0 || ln.halted || ln.inflight {
		return
	}
	n, bytes := 0, int64(0)
	for n < len(ln.queue) && n < p.opts.maxBatchMessages {
		if n > 0 && bytes+ln.queue[n].size > p.opts.maxBatchBytes {
			break
		}
		bytes += ln.queue[n].size
		n++
	}
	items := append([]laneItem(nil), ln.queue[:n]...)
	ln.queue = append([]laneItem(nil), ln.queue[n:]...)
	ln.inflight = true
	for _, it := range items {
		it.res.setCancel(nil)
	}
	p.sends.Add(1)
	go p.sendLane(key, items)
}

func (p *Publisher) sendLane(key string, items []laneItem) {
	defer p.sends.Done()
	envs := lo.Map(items, func(it laneItem, _ int) *Envelope { return it.env })
	sizes := lo.Map(items, func(it laneItem, _ int) int64 { return it.size })
	results := lo.Map(items, func(it laneItem, _ int) *PublishResult { return it.res })
	bytes := lo.Sum(sizes)

	start := time.Now()
	ids, err := p.transport.SendBatch(p.ctx, p.topic, envs)
	if err == nil && len(ids) != len(envs) {
		err = fmt.Errorf("pubsub: transport returned %d ids for %d messages", len(ids), len(envs))
	}

	if err != nil {
		// Halt the lane before resolving, so a caller observing the failure
		// can never slip a new publish into a not-yet-halted lane.
		p.mu.Lock()
		ln := p.lanes[key]
		ln.inflight = false
		ln.halted = true
		ln.err = err
		queued := ln.queue
		ln.queue = nil
		p.mu.Unlock()
		p.settleBatch(envs, results, sizes, nil, err)
		for _, it := range queued {
			p.results.resolve(it.res, "", &LaneHaltedError{Key: key, Cause: err})
			p.flow.Release(it.size, 1)
		}
		p.logger.Warn(p.ctx, "ordering lane halted", "topic", p.topic, "key", key, "failed", len(items), "dropped", len(queued), "err", err)
	} else {
		p.settleBatch(envs, results, sizes, ids, nil)
		p.mu.Lock()
		ln := p.lanes[key]
		ln.inflight = false
		p.startLaneLocked(key, ln)
		p.mu.Unlock()
	}
	if p.hooks.OnBatchSend != nil {
		p.hooks.OnBatchSend(p.ctx, p.topic, len(envs), bytes, time.Since(start), err)
	}
}

func (p *Publisher) cancelOrdered(key string, res *PublishResult) bool {
	p.mu.Lock()
	ln := p.lanes[key]
	if ln == nil {
		p.mu.Unlock()
		return false
	}
	idx := -1
	for i, it := range ln.queue {
		if it.res == res {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	size := ln.queue[idx].size
	ln.queue = append(ln.queue[:idx], ln.queue[idx+1:]...)
	p.mu.Unlock()
	p.results.resolve(res, "", ErrPublishCanceled)
	p.flow.Release(size, 1)
	return true
}

// ResumePublish clears a halted ordering lane. The next Publish for the key
// starts a fresh batch; messages failed by the halt are not replayed.
func (p *Publisher) ResumePublish(key string) {
	p.mu.Lock()
	if ln, ok := p.lanes[key]; ok {
		ln.halted = false
		ln.err = nil
		p.startLaneLocked(key, ln)
	}
	p.mu.Unlock()
}
