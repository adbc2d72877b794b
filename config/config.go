// Package config loads the coordinator's host tables (family policies,
// invalidation rules, role and route warm sets, refreshes) from YAML.
//
//	defaults:
//	  staleTime: 30s
//	families:
//	  transactions:
//	    staleTime: 15s
//	    retentionTime: 10m
//	    refetchInterval: 1m
//	    priority: high
//	    batch: {window: 10ms, mode: merge, maxSize: 50}
//	rules:
//	  - name: org-updated
//	    event: organization.update
//	    keys: [[organizations], [organization, "{organizationId}"]]
//	    families: [settlements]
//	    when: {status: approved}
//	roleWarm:
//	  merchant: [[wallet, user, "{userId}"]]
//	routeWarm:
//	  /settlements: [[settlements, queue]]
//	refreshes:
//	  - name: merchant-wallet
//	    roles: [merchant]
//	    keys: [[wallet, user, "{userId}"]]
//	    interval: 1m
//
// Durations accept day and week units ("1d", "1w2h").
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/batch"
	"github.com/unkn0wn-root/querycache/key"
	"github.com/unkn0wn-root/querycache/scheduler"
)

var ErrInvalid = errors.New("config: invalid")

// Duration is a time.Duration that unmarshals from strings such as "90s" or
// "1d". "never" yields -1, which disables eviction for retentionTime.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	switch s {
	case "", "0":
		*d = 0
		return nil
	case "never":
		*d = -1
		return nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: line %d: duration %q: %v", ErrInvalid, value.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

// Key is a query key written as a YAML sequence.
type Key []any

type Batch struct {
	Window  Duration `yaml:"window"`
	Mode    string   `yaml:"mode"`
	MaxSize int      `yaml:"maxSize"`
}

type Policy struct {
	StaleTime       Duration `yaml:"staleTime"`
	RetentionTime   Duration `yaml:"retentionTime"`
	RefetchInterval Duration `yaml:"refetchInterval"`
	Priority        string   `yaml:"priority"`
	Timeout         Duration `yaml:"timeout"`
	MaxAttempts     int      `yaml:"maxAttempts"`
	Batch           *Batch   `yaml:"batch,omitempty"`
}

type Rule struct {
	Name     string         `yaml:"name"`
	Event    string         `yaml:"event"`
	Keys     []Key          `yaml:"keys"`
	Families []string       `yaml:"families"`
	Prefixes []Key          `yaml:"prefixes"`
	When     map[string]any `yaml:"when"`
	Evict    bool           `yaml:"evict"`
}

type Refresh struct {
	Name     string   `yaml:"name"`
	Roles    []string `yaml:"roles"`
	Keys     []Key    `yaml:"keys"`
	Families []string `yaml:"families"`
	Interval Duration `yaml:"interval"`
}

// File is the decoded document.
type File struct {
	Defaults  *Policy           `yaml:"defaults,omitempty"`
	Families  map[string]Policy `yaml:"families"`
	Rules     []Rule            `yaml:"rules"`
	RoleWarm  map[string][]Key  `yaml:"roleWarm"`
	RouteWarm map[string][]Key  `yaml:"routeWarm"`
	Refreshes []Refresh         `yaml:"refreshes"`
}

// Load decodes and validates a document. Unknown fields are rejected.
func Load(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Load(fh)
}

func (f *File) validate() error {
	if f.Defaults != nil {
		if _, err := f.Defaults.policy(); err != nil {
			return fmt.Errorf("defaults: %w", err)
		}
	}
	for name, p := range f.Families {
		if _, err := p.policy(); err != nil {
			return fmt.Errorf("family %q: %w", name, err)
		}
	}
	for i, r := range f.Rules {
		if r.Event == "" {
			return fmt.Errorf("%w: rule %d (%q): event is required", ErrInvalid, i, r.Name)
		}
		if len(r.Keys) == 0 && len(r.Families) == 0 && len(r.Prefixes) == 0 {
			return fmt.Errorf("%w: rule %d (%q): keys, families or prefixes is required", ErrInvalid, i, r.Name)
		}
	}
	for i, r := range f.Refreshes {
		if r.Name == "" {
			return fmt.Errorf("%w: refresh %d: name is required", ErrInvalid, i)
		}
		if r.Interval <= 0 {
			return fmt.Errorf("%w: refresh %q: interval must be positive", ErrInvalid, r.Name)
		}
	}
	return nil
}

func (p Policy) policy() (querycache.FamilyPolicy, error) {
	prio, err := scheduler.ParsePriority(p.Priority)
	if err != nil {
		return querycache.FamilyPolicy{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	fp := querycache.FamilyPolicy{
		StaleTime:       time.Duration(p.StaleTime),
		RetentionTime:   time.Duration(p.RetentionTime),
		RefetchInterval: time.Duration(p.RefetchInterval),
		Priority:        prio,
		Retry: scheduler.Policy{
			MaxAttempts: p.MaxAttempts,
			Timeout:     time.Duration(p.Timeout),
		},
	}
	if p.Batch != nil {
		mode, err := batch.ParseMode(p.Batch.Mode)
		if err != nil {
			return querycache.FamilyPolicy{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		fp.BatchWindow = time.Duration(p.Batch.Window)
		fp.BatchMode = mode
		fp.BatchMaxSize = p.Batch.MaxSize
	}
	return fp, nil
}

// Apply merges f into opts. Families and warm sets replace entries of the
// same name; rules and refreshes are appended.
func (f *File) Apply(opts *querycache.Options) error {
	if f.Defaults != nil {
		p, err := f.Defaults.policy()
		if err != nil {
			return err
		}
		opts.DefaultPolicy = p
	}
	if len(f.Families) > 0 && opts.Policies == nil {
		opts.Policies = make(map[string]querycache.FamilyPolicy, len(f.Families))
	}
	for name, fp := range f.Families {
		p, err := fp.policy()
		if err != nil {
			return fmt.Errorf("family %q: %w", name, err)
		}
		opts.Policies[name] = p
	}

	for _, r := range f.Rules {
		opts.Rules = append(opts.Rules, r.rule())
	}
	opts.RoleWarm = mergeWarm(opts.RoleWarm, f.RoleWarm)
	opts.RouteWarm = mergeWarm(opts.RouteWarm, f.RouteWarm)

	for _, r := range f.Refreshes {
		opts.Refreshes = append(opts.Refreshes, querycache.RefreshSpec{
			Name:     r.Name,
			Roles:    r.Roles,
			Keys:     keys(r.Keys),
			Families: r.Families,
			Interval: time.Duration(r.Interval),
		})
	}
	return nil
}

func (r Rule) rule() querycache.Rule {
	out := querycache.Rule{
		Name:  r.Name,
		Event: r.Event,
		Keys:  keys(r.Keys),
		Evict: r.Evict,
	}
	var matchers []func(key.Key) bool
	if len(r.Families) > 0 {
		matchers = append(matchers, querycache.FamilyMatcher(r.Families...))
	}
	if len(r.Prefixes) > 0 {
		matchers = append(matchers, querycache.PrefixMatcher(keys(r.Prefixes)...))
	}
	if len(matchers) > 0 {
		out.Match = func(k key.Key) bool {
			for _, m := range matchers {
				if m(k) {
					return true
				}
			}
			return false
		}
	}
	if len(r.When) > 0 {
		out.When = PayloadEquals(r.When)
	}
	return out
}

// PayloadEquals matches map[string]any payloads whose fields equal want.
// Values compare by their fmt form, so YAML 1 matches a payload int64(1).
func PayloadEquals(want map[string]any) func(any) bool {
	return func(payload any) bool {
		m, ok := payload.(map[string]any)
		if !ok {
			return false
		}
		for k, v := range want {
			got, ok := m[k]
			if !ok || fmt.Sprint(got) != fmt.Sprint(v) {
				return false
			}
		}
		return true
	}
}

func keys(in []Key) []key.Key {
	if len(in) == 0 {
		return nil
	}
	out := make([]key.Key, len(in))
	for i, k := range in {
		out[i] = key.Key(k)
	}
	return out
}

func mergeWarm(dst map[string][]key.Key, src map[string][]Key) map[string][]key.Key {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string][]key.Key, len(src))
	}
	for name, ks := range src {
		dst[name] = keys(ks)
	}
	return dst
}
