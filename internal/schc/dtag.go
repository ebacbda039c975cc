package schc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lpwan-works/goschc/internal/rules"
)

// ErrDTagExhausted is returned when every value of a rule's DTag space
// is bound to an in-flight transfer.
var ErrDTagExhausted = errors.New("schc: dtag space exhausted")

// dtagKey scopes a DTag space. Transfers are told apart by
// (device, rule, DTag), so each rule of each device gets its own pool
// of 2^DTagSize values.
type dtagKey struct {
	deviceID uint32
	ruleID   uint32
}

// dtagAllocator hands out datagram tags round-robin within each rule's
// space, so back-to-back transfers reuse a value as late as possible.
// A receiver may still be lingering on the previous transfer under the
// same tag; cycling through the space first keeps the two apart.
type dtagAllocator struct {
	mu   sync.Mutex
	used map[dtagKey]map[uint32]struct{}
	next map[dtagKey]uint32
}

func newDTagAllocator() *dtagAllocator {
	return &dtagAllocator{
		used: make(map[dtagKey]map[uint32]struct{}),
		next: make(map[dtagKey]uint32),
	}
}

// allocate reserves a free DTag for the rule. A zero-width DTag field
// has the single value 0, limiting the rule to one transfer at a time.
func (d *dtagAllocator) allocate(deviceID uint32, rule *rules.FragmentationRule) (uint32, error) {
	space := uint32(1) << rule.DTagSize
	key := dtagKey{deviceID: deviceID, ruleID: rule.RuleID}

	d.mu.Lock()
	defer d.mu.Unlock()

	set, ok := d.used[key]
	if !ok {
		set = make(map[uint32]struct{})
		d.used[key] = set
	}
	cursor := d.next[key]
	for i := uint32(0); i < space; i++ {
		tag := (cursor + i) % space
		if _, taken := set[tag]; taken {
			continue
		}
		set[tag] = struct{}{}
		d.next[key] = (tag + 1) % space
		return tag, nil
	}
	return 0, fmt.Errorf("device %d rule %d: %w", deviceID, rule.RuleID, ErrDTagExhausted)
}

// release frees a previously allocated tag. Releasing an unallocated
// tag is a no-op.
func (d *dtagAllocator) release(deviceID, ruleID, tag uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.used[dtagKey{deviceID: deviceID, ruleID: ruleID}]; ok {
		delete(set, tag)
	}
}
