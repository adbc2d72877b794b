package asynchook

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/tier"
)

type counting struct {
	querycache.NopHooks
	mu     sync.Mutex
	failed []string
}

func (c *counting) FetchFailed(k string, _ error) {
	c.mu.Lock()
	c.failed = append(c.failed, k)
	c.mu.Unlock()
}

type tierCounting struct {
	tier.NopHooks
	mu    sync.Mutex
	heals int
}

func (c *tierCounting) SelfHealSingle(string, string) {
	c.mu.Lock()
	c.heals++
	c.mu.Unlock()
}

func TestDeliversBeforeClose(t *testing.T) {
	inner, th := &counting{}, &tierCounting{}
	h := New(inner, th, 2, 16)

	h.FetchFailed("a", errors.New("x"))
	h.FetchFailed("b", errors.New("x"))
	h.SelfHealSingle("s", "corrupt")
	h.Close()

	assert.ElementsMatch(t, []string{"a", "b"}, inner.failed)
	assert.Equal(t, 1, th.heals)
}

func TestEventsAfterCloseAreDropped(t *testing.T) {
	inner := &counting{}
	h := New(inner, nil, 1, 1)
	h.Close()
	h.Close()

	h.FetchFailed("late", errors.New("x"))
	h.LocalGenWithBulk()
	assert.Empty(t, inner.failed)
}
