// Package sloghooks reports coordinator and tier events through log/slog.
package sloghooks

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/tier"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	RetryEvery      uint64
	TransitionEvery uint64
	SelfHealEvery   uint64
	BulkRejectEvery uint64
	// Optional key redactor. Defaults to an xxhash digest; keys usually carry
	// user and organization ids.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	retryCtr      atomic.Uint64
	transitionCtr atomic.Uint64
	selfHealCtr   atomic.Uint64
	bulkRejectCtr atomic.Uint64
}

var (
	_ querycache.Hooks = (*Hooks)(nil)
	_ tier.Hooks       = (*Hooks)(nil)
)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(k))
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

// coordinator events

func (h *Hooks) FetchFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.fetch_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) FetchRetried(key string, attempt int, delay time.Duration, err error) {
	if h.l == nil || !sample(h.opts.RetryEvery, &h.retryCtr) {
		return
	}
	h.l.Debug("querycache.fetch_retried",
		"key", h.redact(key),
		"attempt", attempt,
		"delay", delay,
		"err", err)
}

func (h *Hooks) FetchSuperseded(key string) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.fetch_superseded", "key", h.redact(key))
}

func (h *Hooks) BatchFlushed(class string, size int, merged bool) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.batch_flushed",
		"class", class,
		"size", size,
		"merged", merged)
}

func (h *Hooks) EntryEvicted(key, reason string) {
	if h.l == nil {
		return
	}
	h.l.Debug("querycache.entry_evicted",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) RulesApplied(event string, count int) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.rules_applied",
		"event", event,
		"keys", count)
}

func (h *Hooks) MutationTransition(id, action string, from, to querycache.MutationState) {
	if h.l == nil || !sample(h.opts.TransitionEvery, &h.transitionCtr) {
		return
	}
	h.l.Debug("querycache.mutation_transition",
		"id", id,
		"action", action,
		"from", from.String(),
		"to", to.String())
}

func (h *Hooks) RollbackFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("querycache.rollback_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) WarmFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Info("querycache.warm_failed",
		"key", h.redact(key),
		"err", err)
}

// tier events

func (h *Hooks) SelfHealSingle(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("querycache.tier.self_heal_single",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) BulkRejected(ns string, requested int, reason string) {
	if h.l == nil || !sample(h.opts.BulkRejectEvery, &h.bulkRejectCtr) {
		return
	}
	h.l.Info("querycache.tier.bulk_rejected",
		"ns", ns,
		"requested", requested,
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string, isBulk bool) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.tier.provider_set_rejected",
		"key", h.redact(storageKey),
		"is_bulk", isBulk)
}

func (h *Hooks) GenSnapshotError(count int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.tier.gen_snapshot_error",
		"count", count,
		"err", err)
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.tier.gen_bump_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("querycache.tier.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) LocalGenWithBulk() {
	if h.l == nil {
		return
	}
	h.l.Warn("querycache.tier.local_gen_with_bulk",
		"msg", "bulk enabled with local genstore; stale bulks possible in multi-replica")
}
