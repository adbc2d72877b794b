package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/querycache"
)

func newBuf(opts Options) (*bytes.Buffer, *Hooks) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return &buf, New(l, opts)
}

func TestKeysAreRedacted(t *testing.T) {
	buf, h := newBuf(Options{})
	h.FetchFailed(`["wallet","user","merchant-7"]`, errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "querycache.fetch_failed")
	assert.NotContains(t, out, "merchant")
}

func TestCustomRedactor(t *testing.T) {
	buf, h := newBuf(Options{Redact: func(string) string { return "x" }})
	h.RollbackFailed("k", errors.New("decode"))
	assert.Contains(t, buf.String(), "key=x")
}

func TestSampling(t *testing.T) {
	buf, h := newBuf(Options{RetryEvery: 3})
	for i := 0; i < 9; i++ {
		h.FetchRetried("k", i, time.Second, errors.New("503"))
	}
	assert.Equal(t, 3, strings.Count(buf.String(), "querycache.fetch_retried"))
	assert.Contains(t, buf.String(), "delay=1s")
}

func TestTransitionNames(t *testing.T) {
	buf, h := newBuf(Options{})
	h.MutationTransition("id", "wallet.debit", querycache.MutationApplied, querycache.MutationRolledBack)
	assert.Contains(t, buf.String(), "from=applied to=rolled_back")
}

func TestNilLoggerIsSilent(t *testing.T) {
	h := New(nil, Options{})
	h.WarmFailed("k", errors.New("x"))
	h.InvalidateOutage("k", errors.New("a"), errors.New("b"))
}
