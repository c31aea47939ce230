package its

const (
	cbaserValid     = GITS_CBASER_VALID
	cbaserSizeMask  = 0xff
	cbaserAddrMask  = 0x000f_ffff_ffff_f000
	cbaserWriteMask = cbaserValid |
		0x7<<59 | // InnerCache
		0x7<<53 | // OuterCache
		cbaserAddrMask |
		0x3<<10 | // Shareability
		cbaserSizeMask

	cwriterOffsetMask = 0x000f_ffe0
	creadrStalled     = GITS_CREADR_STALLED

	queuePageSize = 4096
)

type queueState uint8

const (
	queueIdle queueState = iota
	queueDraining
	queueStalled
)

func (s queueState) String() string {
	switch s {
	case queueIdle:
		return "idle"
	case queueDraining:
		return "draining"
	case queueStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// cmdQueue is the command ring as programmed through CBASER/CWRITER. The
// read and write cursors are byte offsets into the ring.
type cmdQueue struct {
	cbaser  uint64
	creadr  uint64
	cwriter uint64
	state   queueState

	// gen changes whenever CBASER is rewritten, so a drainer that raced with
	// the rewrite does not advance the fresh cursor.
	gen uint64
}

// size returns the ring size in bytes, or 0 if CBASER is not valid.
func (q *cmdQueue) size() uint64 {
	if q.cbaser&cbaserValid == 0 {
		return 0
	}
	return (q.cbaser&cbaserSizeMask + 1) * queuePageSize
}

func (q *cmdQueue) base() uint64 {
	return q.cbaser & cbaserAddrMask
}

func (q *cmdQueue) outstanding() bool {
	return q.size() != 0 && q.creadr != q.cwriter
}

// writeCBaser installs a new ring descriptor and rewinds both cursors. An
// active drainer keeps its claim and notices the new generation.
func (q *cmdQueue) writeCBaser(v uint64) {
	q.cbaser = v & cbaserWriteMask
	q.creadr = 0
	q.cwriter = 0
	if q.state == queueStalled {
		q.state = queueIdle
	}
	q.gen++
}

// updateCWriter records a new write offset. Offsets outside the ring are
// rejected.
func (q *cmdQueue) updateCWriter(v uint64) bool {
	off := v & cwriterOffsetMask
	if off >= q.size() {
		return false
	}
	q.cwriter = off
	return true
}

func (q *cmdQueue) readrValue() uint64 {
	v := q.creadr
	if q.state == queueStalled {
		v |= creadrStalled
	}
	return v
}

// claimDrainLocked makes the caller the drainer if there is work and no one
// else is draining. It must be called with its.mu held.
func (its *ITS) claimDrainLocked() bool {
	q := &its.queue
	if q.state == queueDraining || !its.enabled || !q.outstanding() {
		return false
	}
	q.state = queueDraining
	return true
}

// processQueue drains the ring unless another caller already is. In that case
// the active drainer picks up the new write cursor before it stops.
func (its *ITS) processQueue() {
	its.mu.Lock()
	claimed := its.claimDrainLocked()
	its.mu.Unlock()

	if claimed {
		its.drain()
	}
}

// drain executes commands from CREADR until it meets CWRITER. Guest memory is
// read and commands are executed with the lock released; the cursor is only
// advanced if the ring was not reprogrammed meanwhile.
func (its *ITS) drain() {
	var raw [CommandSize]byte
	for {
		its.mu.Lock()
		q := &its.queue
		if !its.enabled || !q.outstanding() {
			q.state = queueIdle
			its.mu.Unlock()
			return
		}
		gen, pos := q.gen, q.creadr
		addr := q.base() + pos
		its.mu.Unlock()

		if err := its.readGuest(addr, raw[:]); err != nil {
			its.mu.Lock()
			if its.queue.gen == gen {
				its.queue.state = queueStalled
			} else {
				its.queue.state = queueIdle
			}
			its.mu.Unlock()

			its.log.Warn("command queue stalled", "creadr", pos, "err", err)
			its.metrics.recordStall()
			return
		}

		cmd := DecodeCommand(raw)
		completion := cmd.execute(its)
		if completion.Failed() {
			its.log.Debug("command failed", "command", cmd.Opcode(), "completion", completion, "creadr", pos)
		}
		its.metrics.recordCommand(cmd.Opcode(), completion)
		its.observer.CommandExecuted(cmd, completion)

		its.mu.Lock()
		if q := &its.queue; q.gen == gen && q.creadr == pos {
			q.creadr = (pos + CommandSize) % q.size()
		}
		its.mu.Unlock()
	}
}
