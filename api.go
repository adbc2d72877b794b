package querycache

import (
	"fmt"
	"time"

	"github.com/unkn0wn-root/querycache/batch"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/remote"
	"github.com/unkn0wn-root/querycache/scheduler"
	"github.com/unkn0wn-root/querycache/store"
)

type Priority = scheduler.Priority

const (
	PriorityLow    = scheduler.PriorityLow
	PriorityNormal = scheduler.PriorityNormal
	PriorityHigh   = scheduler.PriorityHigh
)

// FamilyPolicy is the per-resource-family policy, keyed by key.Family().
type FamilyPolicy struct {
	// StaleTime 0 means data is stale right after it is written.
	StaleTime time.Duration
	// RetentionTime 0 => 5m; negative disables eviction.
	RetentionTime time.Duration
	// RefetchInterval > 0 registers a "family:<name>" background refresh.
	RefetchInterval time.Duration
	Priority        Priority

	// Retry overrides the scheduler defaults for reads of this family.
	Retry scheduler.Policy

	// BatchWindow > 0 enables coalescing of reads for this family.
	BatchWindow  time.Duration
	BatchMode    batch.Mode
	BatchMaxSize int

	// Snapshotter used by optimistic mutations targeting this family.
	Snapshotter Snapshotter
}

func (p FamilyPolicy) entryConfig() store.Config {
	return store.Config{StaleTime: p.StaleTime, RetentionTime: p.RetentionTime}
}

// RefreshSpec is a named periodic invalidation. Keys may contain context
// placeholders ({userId}, {organizationId}, {role}, {route}).
type RefreshSpec struct {
	Name     string
	Roles    []string // empty => every role
	Keys     []key.Key
	Families []string
	Interval time.Duration
}

func (r RefreshSpec) appliesTo(role string) bool {
	if len(r.Roles) == 0 {
		return true
	}
	for _, x := range r.Roles {
		if x == role {
			return true
		}
	}
	return false
}

// Context is the process-wide state the coordinator works on behalf of.
type Context struct {
	UserID         string
	Role           string
	OrganizationID string
	CurrentRoute   string
}

// vars returns the placeholder bindings of c.
func (c Context) vars() map[string]string {
	return map[string]string{
		"userId":         c.UserID,
		"role":           c.Role,
		"organizationId": c.OrganizationID,
		"route":          c.CurrentRoute,
	}
}

// ContextPatch updates the fields that are non-nil.
type ContextPatch struct {
	UserID         *string
	Role           *string
	OrganizationID *string
	CurrentRoute   *string
}

func (p ContextPatch) apply(c Context) Context {
	if p.UserID != nil {
		c.UserID = *p.UserID
	}
	if p.Role != nil {
		c.Role = *p.Role
	}
	if p.OrganizationID != nil {
		c.OrganizationID = *p.OrganizationID
	}
	if p.CurrentRoute != nil {
		c.CurrentRoute = *p.CurrentRoute
	}
	return c
}

// Options configure a Coordinator. Only Accessor is required.
type Options struct {
	Accessor remote.Accessor

	Policies      map[string]FamilyPolicy
	DefaultPolicy FamilyPolicy // families absent from Policies

	Rules     []Rule
	RoleWarm  map[string][]key.Key
	RouteWarm map[string][]key.Key
	Refreshes []RefreshSpec

	Network         scheduler.Network // nil => always online
	MaxConcurrent   int64             // non-high reads in flight; 0 => unbounded
	WarmConcurrency int               // 0 => 4
	Snapshotter     Snapshotter       // nil => RefSnapshotter

	Logger Logger           // if nil, NopLogger is used
	Hooks  Hooks            // if nil, NopHooks is used
	Now    func() time.Time // nil => time.Now
}

// QueryOption tunes a single read.
type QueryOption func(*queryOptions)

type queryOptions struct {
	force    bool
	priority *Priority
}

// WithForceFetch waits for a fresh fetch even when cached data is usable.
func WithForceFetch() QueryOption {
	return func(o *queryOptions) { o.force = true }
}

// WithPriority overrides the family priority for this read.
func WithPriority(p Priority) QueryOption {
	return func(o *queryOptions) { o.priority = &p }
}

func New(opts Options) (*Coordinator, error) {
	if opts.Accessor == nil {
		return nil, fmt.Errorf("querycache: accessor is required")
	}
	for fam, p := range opts.Policies {
		if p.BatchWindow > 0 && p.BatchMode == batch.ModeMerge {
			if _, ok := opts.Accessor.(remote.BatchAccessor); !ok {
				return nil, fmt.Errorf("querycache: family %q uses merge batching but the accessor has no FetchMany", fam)
			}
		}
	}
	return newCoordinator(opts)
}
