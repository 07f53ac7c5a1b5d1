// Package deps tracks the single active version of every shared dependency
// and the fragments consuming it. Incompatible ranges fail; versions are never
// coerced.
package deps

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"fragmesh/internal/logging"
	"fragmesh/internal/manifest"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

// Entry is the registry state of one shared dependency.
type Entry struct {
	Dep           string
	ActiveVersion string
	Consumers     []string
}

type pin struct {
	version   *semver.Version
	consumers map[string]bool
}

// Resolver owns the shared dependency registry.
type Resolver struct {
	mu      sync.Mutex
	pins    map[string]*pin
	offered map[string][]*semver.Version
	logger  *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logging.For(l, logging.CategoryResolver) }
}

// NewResolver creates an empty registry.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		pins:    make(map[string]*pin),
		offered: make(map[string][]*semver.Version),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Offer declares versions of dep available in the host process. Unparseable
// versions are skipped and logged.
func (r *Resolver) Offer(dep string, versions ...string) {
	parsed := make([]*semver.Version, 0, len(versions))
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			r.logger.Warn("ignoring offered version", zap.String("dep", dep), zap.String("version", raw), zap.Error(err))
			continue
		}
		parsed = append(parsed, v)
	}
	sort.Sort(sort.Reverse(semver.Collection(parsed)))

	r.mu.Lock()
	r.offered[dep] = parsed
	r.mu.Unlock()
}

type planned struct {
	dep     string
	version *semver.Version
}

// Reserve pins every shared dependency of d, or none of them. A module that
// already holds reservations has them replaced.
func (r *Resolver) Reserve(d manifest.Descriptor) error {
	if d.Name == "" {
		return ErrModuleNameEmpty
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var plan []planned
	var conflicts []Conflict

	for _, dep := range sortedKeys(d.RequiredSharedDeps) {
		raw := d.RequiredSharedDeps[dep]
		c, err := semver.NewConstraint(raw)
		if err != nil {
			return fmt.Errorf("module %s: %s %q: %w", d.Name, dep, raw, ErrInvalidRange)
		}

		if p, ok := r.pins[dep]; ok && p.othersThan(d.Name) > 0 {
			if !c.Check(p.version) {
				conflicts = append(conflicts, Conflict{
					Dep:       dep,
					Active:    p.version.String(),
					Requested: raw,
					Consumers: p.names(d.Name),
				})
			}
			continue
		}

		v, err := r.pick(dep, raw, c)
		if err != nil {
			return fmt.Errorf("module %s: %w", d.Name, err)
		}
		plan = append(plan, planned{dep: dep, version: v})
	}

	if len(conflicts) > 0 {
		r.logger.Warn("reservation rejected",
			zap.String("module", d.Name),
			zap.Int("conflicts", len(conflicts)))
		return &ConflictError{Module: d.Name, Conflicts: conflicts}
	}

	r.releaseLocked(d.Name)
	for _, p := range plan {
		r.pins[p.dep] = &pin{version: p.version, consumers: make(map[string]bool)}
		r.logger.Debug("pinned shared dependency",
			zap.String("dep", p.dep),
			zap.String("version", p.version.String()),
			zap.String("module", d.Name))
	}
	for dep := range d.RequiredSharedDeps {
		r.pins[dep].consumers[d.Name] = true
	}
	return nil
}

// Release drops every reservation held by module. Pins without consumers are
// cleared.
func (r *Resolver) Release(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(module)
}

func (r *Resolver) releaseLocked(module string) {
	for dep, p := range r.pins {
		if !p.consumers[module] {
			continue
		}
		delete(p.consumers, module)
		if len(p.consumers) == 0 {
			delete(r.pins, dep)
			r.logger.Debug("cleared shared dependency", zap.String("dep", dep))
		}
	}
}

// Entry returns the registry state of dep.
func (r *Resolver) Entry(dep string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[dep]
	if !ok {
		return Entry{}, false
	}
	return Entry{Dep: dep, ActiveVersion: p.version.String(), Consumers: p.names("")}, true
}

// Snapshot returns every pinned dependency sorted by name.
func (r *Resolver) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.pins))
	for dep, p := range r.pins {
		out = append(out, Entry{Dep: dep, ActiveVersion: p.version.String(), Consumers: p.names("")})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dep < out[j].Dep })
	return out
}

var floorPattern = regexp.MustCompile(`\d+(\.\d+){0,2}(-[0-9A-Za-z.-]+)?`)

// pick resolves a range with no active pin: the highest offered version in
// range, otherwise the lowest satisfying version among 0.0.0, the versions the
// range names, and their next patch, minor and major.
func (r *Resolver) pick(dep, raw string, c *semver.Constraints) (*semver.Version, error) {
	for _, v := range r.offered[dep] {
		if c.Check(v) {
			return v, nil
		}
	}

	candidates := []*semver.Version{semver.MustParse("0.0.0")}
	for _, tok := range floorPattern.FindAllString(raw, -1) {
		v, err := semver.NewVersion(tok)
		if err != nil {
			continue
		}
		patch, minor, major := v.IncPatch(), v.IncMinor(), v.IncMajor()
		candidates = append(candidates, v, &patch, &minor, &major)
	}
	sort.Sort(semver.Collection(candidates))

	for _, v := range candidates {
		if c.Check(v) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%s %q: no version satisfies the range: %w", dep, raw, ErrInvalidRange)
}

func (p *pin) othersThan(module string) int {
	n := len(p.consumers)
	if p.consumers[module] {
		n--
	}
	return n
}

func (p *pin) names(except string) []string {
	out := make([]string, 0, len(p.consumers))
	for name := range p.consumers {
		if name != except {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
