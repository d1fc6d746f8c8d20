/*
Package rules implements the proxy rule table: a mapping from source
hostnames to target hostnames consulted on every connection.

The table is read by every connection handler concurrently and mutated
only through the management API, so it is kept as an immutable map
snapshot behind an atomic pointer. Mutations build a new map and swap it
whole; readers never observe a partially updated set.
*/
package rules

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotFound reports a delete for a source with no configured rule.
	ErrNotFound = errors.New("rule not found")

	// ErrInvalidRule reports an add with an empty source or target.
	ErrInvalidRule = errors.New("rule requires both source and target")
)

// Table holds the live proxy rule set.
type Table struct {
	snapshot atomic.Pointer[map[string]string]

	// writeMu serializes mutations so concurrent Add/Delete calls cannot
	// lose each other's updates during the copy-and-swap.
	writeMu sync.Mutex

	// onChange, if set, is called with a snapshot of the new rule set
	// after every successful mutation. Used to persist config.json.
	onChange func(map[string]string) error
}

// New creates a table seeded with the given rules. Keys and values are
// normalized by stripping any scheme prefix.
func New(seed map[string]string) *Table {
	t := &Table{}
	m := make(map[string]string, len(seed))
	for k, v := range seed {
		m[stripScheme(k)] = stripScheme(v)
	}
	t.snapshot.Store(&m)
	return t
}

// SetOnChange registers a persistence hook invoked after each mutation.
func (t *Table) SetOnChange(fn func(map[string]string) error) {
	t.onChange = fn
}

// Resolve maps a host to its configured target. The input may carry a
// scheme prefix or a port suffix; both are stripped before matching.
// A rule matches when the stripped host equals the rule's source or ends
// with it as a suffix. The first matching rule wins; iteration order over
// the rule set is unspecified when several rules could match.
//
// Note the suffix match has no dot-boundary check: a rule for
// "example.com" also matches "notexample.com". This mirrors the behavior
// clients already depend on; see TestResolve_SuffixOverMatch.
//
// Hosts with no matching rule resolve to themselves.
func (t *Table) Resolve(host string) string {
	h := stripPort(stripScheme(host))
	for source, target := range *t.snapshot.Load() {
		if h == source || strings.HasSuffix(h, source) {
			return target
		}
	}
	return h
}

// Add inserts or replaces a rule. Source and target must be non-empty.
func (t *Table) Add(source, target string) error {
	source = stripScheme(strings.TrimSpace(source))
	target = stripScheme(strings.TrimSpace(target))
	if source == "" || target == "" {
		return ErrInvalidRule
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	next := t.copyLocked()
	next[source] = target
	return t.swapLocked(next)
}

// Delete removes a rule by its source host. Returns an error if no such
// rule exists.
func (t *Table) Delete(source string) error {
	source = stripScheme(strings.TrimSpace(source))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	cur := *t.snapshot.Load()
	if _, ok := cur[source]; !ok {
		return fmt.Errorf("rule %q: %w", source, ErrNotFound)
	}

	next := t.copyLocked()
	delete(next, source)
	return t.swapLocked(next)
}

// Snapshot returns a copy of the current rule set.
func (t *Table) Snapshot() map[string]string {
	cur := *t.snapshot.Load()
	out := make(map[string]string, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// Len returns the number of configured rules.
func (t *Table) Len() int {
	return len(*t.snapshot.Load())
}

// copyLocked duplicates the current snapshot. Caller holds writeMu.
func (t *Table) copyLocked() map[string]string {
	cur := *t.snapshot.Load()
	next := make(map[string]string, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// swapLocked publishes a new snapshot and runs the persistence hook.
// Caller holds writeMu. If persistence fails the swap is rolled back so
// the live table never diverges from the config file.
func (t *Table) swapLocked(next map[string]string) error {
	prev := t.snapshot.Swap(&next)
	if t.onChange != nil {
		if err := t.onChange(next); err != nil {
			t.snapshot.Store(prev)
			return fmt.Errorf("persist rules: %w", err)
		}
	}
	return nil
}

// stripScheme removes an "http://"-style prefix from a host string.
func stripScheme(s string) string {
	if idx := strings.Index(s, "://"); idx >= 0 {
		return s[idx+len("://"):]
	}
	return s
}

// stripPort removes the port from a host:port string, tolerating
// bracketed IPv6 literals. Inputs without a port come back as-is.
func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
