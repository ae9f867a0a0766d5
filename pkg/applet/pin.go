package applet

import "crypto/subtle"

// pinState tracks the reference PIN and its try counter. The zero value is
// not usable; construct with newPINState.
type pinState struct {
	ref    [MaxPINSize]byte
	refLen int
	set    bool
	tries  int
	limit  int
}

func newPINState(limit int) pinState {
	return pinState{tries: limit, limit: limit}
}

func (p *pinState) blocked() bool { return p.tries == 0 }

// update replaces the reference PIN and restores the try counter.
func (p *pinState) update(pin []byte) {
	p.ref = [MaxPINSize]byte{}
	p.refLen = copy(p.ref[:], pin)
	p.set = true
	p.tries = p.limit
}

// check compares pin against the reference. The counter is decremented
// before comparing and restored on a match, so an interrupted check still
// costs an attempt. A blocked state never compares.
func (p *pinState) check(pin []byte) bool {
	if p.blocked() {
		return false
	}
	p.tries--
	if !p.set || len(pin) != p.refLen {
		return false
	}
	if subtle.ConstantTimeCompare(p.ref[:p.refLen], pin) != 1 {
		return false
	}
	p.tries = p.limit
	return true
}

func (p *pinState) resetAndUnblock() {
	p.tries = p.limit
}
