package core

import "runtime"

// ownerBit is or-ed into ids whose low 32 bits are zero so that a live owner
// never encodes as "unlocked".
const ownerBit = 1 << 31

// goroutineID parses the current goroutine id out of the runtime.Stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// currentOwnerID returns the drain-owner identity of the calling goroutine.
func currentOwnerID() uint32 {
	return foldOwnerID(goroutineID())
}

// foldOwnerID squeezes a goroutine id into the owner field of the state word.
// The high half is xor-ed into the low half, so ids below 2^32 map to
// themselves. Two live goroutines whose ids fold to the same value would be
// taken for one owner; that needs more than 2^32 goroutines started between
// them.
func foldOwnerID(id uint64) uint32 {
	folded := uint32(id ^ id>>32)
	if folded == 0 {
		folded = ownerBit
	}
	return folded
}
