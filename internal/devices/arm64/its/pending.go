package its

import (
	"github.com/bits-and-blooms/bitset"
)

// pendingSet tracks which vCPUs an LPI is pending on. It is sized once to the
// VM's vCPU count; indices outside that range are ignored.
type pendingSet struct {
	bits *bitset.BitSet
	n    uint
}

func newPendingSet(nrCPUs int) pendingSet {
	return pendingSet{bits: bitset.New(uint(nrCPUs)), n: uint(nrCPUs)}
}

func (p pendingSet) inRange(cpu int) bool {
	return cpu >= 0 && uint(cpu) < p.n
}

func (p pendingSet) set(cpu int) {
	if p.inRange(cpu) {
		p.bits.Set(uint(cpu))
	}
}

func (p pendingSet) clear(cpu int) {
	if p.inRange(cpu) {
		p.bits.Clear(uint(cpu))
	}
}

func (p pendingSet) test(cpu int) bool {
	return p.inRange(cpu) && p.bits.Test(uint(cpu))
}

// testAndClear clears the bit for cpu and reports whether it was set.
func (p pendingSet) testAndClear(cpu int) bool {
	if !p.test(cpu) {
		return false
	}
	p.bits.Clear(uint(cpu))
	return true
}

func (p pendingSet) any() bool {
	return p.bits.Any()
}

// cpus lists the vCPUs with the bit set, lowest first.
func (p pendingSet) cpus() []int {
	var out []int
	for i, ok := p.bits.NextSet(0); ok && i < p.n; i, ok = p.bits.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}
