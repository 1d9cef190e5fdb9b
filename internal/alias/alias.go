// Package alias implements the short-name alias book: a forward
// short→FQN map and its reverse multimap, with bounded-hop resolution
// and transitive removal so no alias can dangle into a name that no
// longer exists.
package alias

import (
	"sync"

	"github.com/wottorun/wotto/internal/names"
)

// maxHops bounds the chase in Resolve so a cycle (however it was
// constructed) cannot loop forever.
const maxHops = 32

// Book holds the forward and reverse alias maps. The zero value is not
// usable; construct with New.
type Book struct {
	mu      sync.RWMutex
	forward map[string]names.FQN
	reverse map[names.FQN]map[string]struct{}
}

// New returns an empty alias book.
func New() *Book {
	return &Book{
		forward: make(map[string]names.FQN),
		reverse: make(map[names.FQN]map[string]struct{}),
	}
}

// Add records short as an alias for target. Invariant A (reverse is the
// exact inverse of forward) is maintained by inserting into both maps
// under the same lock.
func (b *Book) Add(short string, target names.FQN) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeForwardLocked(short)
	b.forward[short] = target
	if b.reverse[target] == nil {
		b.reverse[target] = make(map[string]struct{})
	}
	b.reverse[target][short] = struct{}{}
}

// Resolve follows forward edges starting at short up to maxHops, and
// returns the last FQN reached. It returns ok=false if short is not
// itself a known alias.
func (b *Book) Resolve(short string) (names.FQN, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	target, ok := b.forward[short]
	if !ok {
		return "", false
	}
	for hop := 0; hop < maxHops; hop++ {
		next, ok := b.forward[string(target)]
		if !ok {
			return target, true
		}
		target = next
	}
	return target, true
}

// Remove deletes short and, transitively, any alias whose target was
// short, repeated to a fixpoint. This prevents a dangling alias into a
// name that was just removed.
func (b *Book) Remove(short string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeTransitiveLocked(short)
}

// RemoveTarget removes every alias that transitively points at fqn.
// Called on module unload.
func (b *Book) RemoveTarget(fqn names.FQN) {
	b.mu.Lock()
	defer b.mu.Unlock()

	directs := make([]string, 0, len(b.reverse[fqn]))
	for short := range b.reverse[fqn] {
		directs = append(directs, short)
	}
	for _, short := range directs {
		b.removeTransitiveLocked(short)
	}
}

// removeTransitiveLocked removes short and repeats for every alias whose
// target was short, to a fixpoint. Caller must hold b.mu for writing.
func (b *Book) removeTransitiveLocked(short string) {
	frontier := []string{short}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]

		target, ok := b.forward[cur]
		if !ok {
			continue
		}

		// Any alias whose target is cur (as a short-name target, i.e.
		// cur appears as the FQN string of another alias) must also go.
		curAsFQN := names.FQN(cur)
		if pointing, ok := b.reverse[curAsFQN]; ok {
			for s := range pointing {
				frontier = append(frontier, s)
			}
		}

		b.removeForwardLocked(cur)
		_ = target
	}
}

// removeForwardLocked removes short from the forward map and its
// corresponding entry from the reverse map. Caller must hold b.mu.
func (b *Book) removeForwardLocked(short string) {
	target, ok := b.forward[short]
	if !ok {
		return
	}
	delete(b.forward, short)
	if set, ok := b.reverse[target]; ok {
		delete(set, short)
		if len(set) == 0 {
			delete(b.reverse, target)
		}
	}
}
