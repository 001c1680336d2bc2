package core

import (
	"fmt"
	"strings"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// Queue state word layout (64 bits):
//
//	bits  0-31  drain owner (goroutine id, 0 = unlocked)
//	bits 32-34  max pending QoS
//	bits 35-44  flags
//	bits 45-46  role
//	bit  47     part of the suspend count lives under the side lock
//	bits 48-53  suspend count
//	bits 54-63  width units in use
const (
	stOwnerMask uint64 = 0xFFFF_FFFF

	stQoSShift        = 32
	stQoSMask  uint64 = 0x7 << stQoSShift

	stReceivedOverride  uint64 = 1 << 35
	stReceivedSyncWait  uint64 = 1 << 36
	stUncontendedSync   uint64 = 1 << 37
	stDirty             uint64 = 1 << 38
	stEnqueued          uint64 = 1 << 39
	stEnqueuedOnManager uint64 = 1 << 40
	stInBarrier         uint64 = 1 << 41
	stActivating        uint64 = 1 << 42
	stActivated         uint64 = 1 << 43
	stInactive          uint64 = 1 << 44

	stRoleShift        = 45
	stRoleMask  uint64 = 0x3 << stRoleShift

	stHasSideSuspend uint64 = 1 << 47

	stSuspendShift            = 48
	stSuspendMask      uint64 = 0x3F << stSuspendShift
	stSuspendInterval  uint64 = 1 << stSuspendShift
	stMaxInlineSuspend        = 0x3F

	stWidthShift           = 54
	stWidthMask     uint64 = 0x3FF << stWidthShift
	stWidthInterval uint64 = 1 << stWidthShift
)

// MaxQueueWidth is the widest concurrent queue that can be configured.
const MaxQueueWidth = 1000

// sideSuspendChunk is how much suspend count moves between the word and the
// side lock at a time.
const sideSuspendChunk = 32

type queueRole uint64

const (
	roleLeaf queueRole = iota
	roleEventBase
	roleAnonBase
)

func (r queueRole) String() string {
	switch r {
	case roleLeaf:
		return "leaf"
	case roleEventBase:
		return "event-base"
	case roleAnonBase:
		return "anon-base"
	}
	return "role?"
}

func stOwner(s uint64) uint32     { return uint32(s & stOwnerMask) }
func stQoS(s uint64) TaskPriority { return TaskPriority((s & stQoSMask) >> stQoSShift) }
func stRole(s uint64) queueRole   { return queueRole((s & stRoleMask) >> stRoleShift) }
func stSuspendCount(s uint64) int { return int((s & stSuspendMask) >> stSuspendShift) }
func stWidthInUse(s uint64) int   { return int((s & stWidthMask) >> stWidthShift) }
func stHas(s, flag uint64) bool   { return s&flag != 0 }

func stWithOwner(s uint64, id uint32) uint64 {
	return s&^stOwnerMask | uint64(id)
}

// stSuspended reports whether the queue must not drain.
func stSuspended(s uint64) bool {
	return s&(stSuspendMask|stHasSideSuspend|stInactive|stActivating) != 0
}

// stMergeQoS raises the max pending QoS field to at least p.
func stMergeQoS(s uint64, p TaskPriority) uint64 {
	if p <= stQoS(s) {
		return s
	}
	return s&^stQoSMask | uint64(clampPriority(p))<<stQoSShift
}

func stWithRole(s uint64, r queueRole) uint64 {
	return s&^stRoleMask | uint64(r)<<stRoleShift
}

func stAddWidth(s uint64, units int) uint64 {
	return s + uint64(units)*stWidthInterval
}

func stSubWidth(s uint64, units int) uint64 {
	return s - uint64(units)*stWidthInterval
}

var stFlagNames = []struct {
	bit  uint64
	name string
}{
	{stReceivedOverride, "override"},
	{stReceivedSyncWait, "sync-wait"},
	{stUncontendedSync, "uncontended-sync"},
	{stDirty, "dirty"},
	{stEnqueued, "enqueued"},
	{stEnqueuedOnManager, "enqueued-on-manager"},
	{stInBarrier, "in-barrier"},
	{stActivating, "activating"},
	{stActivated, "activated"},
	{stInactive, "inactive"},
	{stHasSideSuspend, "side-suspend"},
}

// stString renders a state word for logs and fatal errors.
func stString(s uint64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "owner=%d qos=%s role=%s suspend=%d width=%d",
		stOwner(s), stQoS(s), stRole(s), stSuspendCount(s), stWidthInUse(s))
	for _, f := range stFlagNames {
		if s&f.bit != 0 {
			b.WriteByte(' ')
			b.WriteString(f.name)
		}
	}
	return b.String()
}

// stateWord is the atomically-updated queue state.
type stateWord struct {
	v atomix.Uint64
}

func (w *stateWord) load() uint64 {
	return w.v.Load()
}

// transition runs the optimistic CAS loop: f computes the new word from the
// latest old one and may refuse the transition by returning false. f must be
// pure; it is re-run on every CAS failure. A transition whose new word equals
// the old one is still published with a CAS so that it orders against
// concurrent transitions.
func (w *stateWord) transition(f func(old uint64) (uint64, bool)) (before, after uint64, ok bool) {
	var sw spin.Wait
	for {
		before = w.v.Load()
		after, ok = f(before)
		if !ok {
			return before, before, false
		}
		if w.v.CompareAndSwapAcqRel(before, after) {
			return before, after, true
		}
		sw.Once()
	}
}
