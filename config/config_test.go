package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/batch"
	"github.com/unkn0wn-root/querycache/key"
)

const doc = `
defaults:
  staleTime: 30s
  retentionTime: 5m
families:
  transactions:
    staleTime: 15s
    retentionTime: 1d
    refetchInterval: 1m
    priority: high
    timeout: 10s
    maxAttempts: 4
    batch: {window: 10ms, mode: merge, maxSize: 50}
  wallet:
    retentionTime: never
rules:
  - name: org-updated
    event: organization.update
    keys: [[organizations], [organization, "{organizationId}"]]
    families: [settlements]
    when: {status: approved}
  - name: debit
    event: wallet.debit
    prefixes: [[transactions, user]]
    evict: true
roleWarm:
  merchant: [[wallet, user, "{userId}"], [transactions, user, "{userId}"]]
routeWarm:
  /settlements: [[settlements, queue]]
refreshes:
  - name: merchant-wallet
    roles: [merchant]
    keys: [[wallet, user, "{userId}"]]
    interval: 1m
`

func TestLoadAndApply(t *testing.T) {
	f, err := Load(strings.NewReader(doc))
	require.NoError(t, err)

	var opts querycache.Options
	require.NoError(t, f.Apply(&opts))

	assert.Equal(t, 30*time.Second, opts.DefaultPolicy.StaleTime)

	tx := opts.Policies["transactions"]
	assert.Equal(t, 15*time.Second, tx.StaleTime)
	assert.Equal(t, 24*time.Hour, tx.RetentionTime)
	assert.Equal(t, time.Minute, tx.RefetchInterval)
	assert.Equal(t, querycache.PriorityHigh, tx.Priority)
	assert.Equal(t, 10*time.Second, tx.Retry.Timeout)
	assert.Equal(t, 4, tx.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, tx.BatchWindow)
	assert.Equal(t, batch.ModeMerge, tx.BatchMode)
	assert.Equal(t, 50, tx.BatchMaxSize)

	assert.Equal(t, time.Duration(-1), opts.Policies["wallet"].RetentionTime)

	require.Len(t, opts.Rules, 2)
	org := opts.Rules[0]
	assert.Equal(t, "organization.update", org.Event)
	assert.Equal(t, `["organizations"]`, org.Keys[0].String())
	assert.Equal(t, `["organization","{organizationId}"]`, org.Keys[1].String())
	require.NotNil(t, org.Match)
	assert.True(t, org.Match(key.New("settlements", "queue")))
	assert.False(t, org.Match(key.New("wallet")))
	require.NotNil(t, org.When)
	assert.True(t, org.When(map[string]any{"status": "approved", "id": 3}))
	assert.False(t, org.When(map[string]any{"status": "pending"}))
	assert.False(t, org.When("approved"))

	debit := opts.Rules[1]
	assert.True(t, debit.Evict)
	assert.True(t, debit.Match(key.New("transactions", "user", "7")))
	assert.False(t, debit.Match(key.New("transactions", "org", "7")))
	assert.Nil(t, debit.When)

	require.Len(t, opts.RoleWarm["merchant"], 2)
	assert.Equal(t, `["settlements","queue"]`, opts.RouteWarm["/settlements"][0].String())

	require.Len(t, opts.Refreshes, 1)
	assert.Equal(t, querycache.RefreshSpec{
		Name:     "merchant-wallet",
		Roles:    []string{"merchant"},
		Keys:     []key.Key{key.New("wallet", "user", "{userId}")},
		Interval: time.Minute,
	}, opts.Refreshes[0])
}

func TestApplyKeepsExistingEntries(t *testing.T) {
	f, err := Load(strings.NewReader(`
families:
  wallet: {staleTime: 1s}
roleWarm:
  admin: [[settlements, queue]]
`))
	require.NoError(t, err)

	opts := querycache.Options{
		Policies: map[string]querycache.FamilyPolicy{"users": {StaleTime: time.Hour}},
		RoleWarm: map[string][]key.Key{"merchant": {key.New("wallet")}},
	}
	require.NoError(t, f.Apply(&opts))
	assert.Len(t, opts.Policies, 2)
	assert.Len(t, opts.RoleWarm, 2)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "famlies: {}",
		"bad duration":   "families: {wallet: {staleTime: soon}}",
		"bad priority":   "families: {wallet: {priority: urgent}}",
		"bad batch mode": "families: {wallet: {batch: {window: 1ms, mode: zip}}}",
		"rule no event":  "rules: [{name: x, keys: [[a]]}]",
		"rule no target": "rules: [{name: x, event: e}]",
		"refresh no ivl": "refreshes: [{name: x, keys: [[a]]}]",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestLoadEmpty(t *testing.T) {
	f, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	var opts querycache.Options
	require.NoError(t, f.Apply(&opts))
	assert.Nil(t, opts.Policies)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, f.Families, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
