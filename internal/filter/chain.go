// Package filter implements the predicate steps and the per-source filter
// chain used to divert records away from a virtual source.
package filter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/lsm/shunt/internal/message"
)

// Chain is an ordered set of steps keyed by sideline identifier. A chain
// matches a message if any step matches (logical OR).
//
// Readers are lock-free: Match loads an immutable snapshot. Writers
// serialize on a mutex and swap in a rebuilt snapshot, so trigger threads
// can mutate the firehose chain while its worker keeps filtering.
type Chain struct {
	mu   sync.Mutex
	snap atomic.Pointer[chainSnapshot]
}

type chainSnapshot struct {
	order []string
	steps map[string][]Step
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	c := &Chain{}
	c.snap.Store(&chainSnapshot{steps: make(map[string][]Step)})
	return c
}

// Match reports whether any step in the chain matches the message.
func (c *Chain) Match(msg *message.Message) bool {
	snap := c.snap.Load()
	for _, id := range snap.order {
		for _, step := range snap.steps[id] {
			if step.Match(msg) {
				return true
			}
		}
	}
	return false
}

// AddSteps attaches steps under the given identifier. Adding to an
// identifier that is already present replaces its steps.
func (c *Chain) AddSteps(id string, steps []Step) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snap.Load()
	next := &chainSnapshot{
		order: slices.Clone(old.order),
		steps: make(map[string][]Step, len(old.steps)+1),
	}
	for k, v := range old.steps {
		next.steps[k] = v
	}
	if _, exists := next.steps[id]; !exists {
		next.order = append(next.order, id)
	}
	next.steps[id] = slices.Clone(steps)
	c.snap.Store(next)
}

// RemoveSteps detaches and returns the steps for the identifier, or nil
// if the identifier is not attached.
func (c *Chain) RemoveSteps(id string) []Step {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snap.Load()
	steps, ok := old.steps[id]
	if !ok {
		return nil
	}
	next := &chainSnapshot{
		order: make([]string, 0, len(old.order)-1),
		steps: make(map[string][]Step, len(old.steps)-1),
	}
	for _, k := range old.order {
		if k == id {
			continue
		}
		next.order = append(next.order, k)
		next.steps[k] = old.steps[k]
	}
	c.snap.Store(next)
	return steps
}

// FindByValue returns the identifier whose attached steps are value-equal
// to the given list. Used to look up a sideline by the client-provided
// predicate list on stop.
func (c *Chain) FindByValue(steps []Step) (string, bool) {
	snap := c.snap.Load()
	for _, id := range snap.order {
		if EqualSteps(snap.steps[id], steps) {
			return id, true
		}
	}
	return "", false
}

// Steps returns the attached steps keyed by identifier.
func (c *Chain) Steps() map[string][]Step {
	snap := c.snap.Load()
	out := make(map[string][]Step, len(snap.steps))
	for k, v := range snap.steps {
		out[k] = slices.Clone(v)
	}
	return out
}

// Len returns the number of attached identifiers.
func (c *Chain) Len() int {
	return len(c.snap.Load().order)
}

// EqualSteps reports value equality of two step lists: same length, same
// expressions, same negation, same order.
func EqualSteps(a, b []Step) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Spec() != b[i].Spec() {
			return false
		}
	}
	return true
}

// EncodeSteps serializes a step list to the base64 blob stored alongside
// a sideline request.
func EncodeSteps(steps []Step) (string, error) {
	specs := make([]Spec, len(steps))
	for i, s := range steps {
		specs[i] = s.Spec()
	}
	raw, err := json.Marshal(specs)
	if err != nil {
		return "", fmt.Errorf("marshal steps: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSteps rehydrates a step list from its persisted blob. The result
// is value-equal to the list EncodeSteps was called with.
func DecodeSteps(blob string) ([]Step, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	var specs []Spec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	steps := make([]Step, len(specs))
	for i, spec := range specs {
		step, err := FromSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps[i] = step
	}
	return steps, nil
}

// NegateSteps returns the complement of every step in the list.
func NegateSteps(steps []Step) ([]Step, error) {
	negated := make([]Step, len(steps))
	for i, s := range steps {
		cs, ok := s.(*CELStep)
		if !ok {
			return nil, fmt.Errorf("cannot negate step of type %T", s)
		}
		negated[i] = Negate(cs)
	}
	return negated, nil
}
