// Package triage implements the save-if-interesting pipeline (spec §4.E)
// and the artifact-naming helper it depends on (spec §4.F): given a fault
// outcome and the novelty tag produced by internal/novelty, it decides
// whether to drop, enqueue, or archive a testcase as a crash or hang
// artifact, and builds the filesystem-safe descriptive name attached to
// each kept file.
package triage

import (
	"fmt"
	"strings"

	"github.com/pacfix/triagecore/internal/novelty"
)

// MaxDescriptionLen bounds the output of DescribeOp; spec §8 requires the
// result never exceed it.
const MaxDescriptionLen = 256

// Tag bits, mirroring novelty.FoldTag's packing plus the is_timeout flag
// that save-if-interesting ORs in separately (spec §3).
const (
	tagPrimaryMask   = 0x03
	tagDiversityMask = 0x0c
	tagDiversityShift = 2
	tagIsTimeout      = 0x80
)

// Origin describes how a testcase was produced, feeding the "src:"/"sync:"
// clause of DescribeOp.
type Origin struct {
	// SyncPeer is non-empty when this testcase was imported from another
	// fuzzer instance; SyncCase is that peer's case number.
	SyncPeer string
	SyncCase int

	// CurrentEntry/SpliceWith describe a locally bred testcase; SpliceWith
	// is -1 when no splicing partner was used.
	CurrentEntry int
	SpliceWith   int
	ElapsedMs    uint64
	TotalExecs   uint64
}

// MutatorOp describes the stage that produced this testcase, used when no
// custom-mutator describe hook is active.
type MutatorOp struct {
	Stage        string
	StageCurByte int // -1 if not applicable
	Pos          int
	Val          int
	ValIsBE      bool
	Rep          int // used instead of Pos/Val when StageCurByte < 0
}

// DescribeOp builds the comma-separated descriptor named in spec §4.F.
// tag is the folded novelty byte (spec §3), with bit 0x80 set by the
// caller when this is a timeout. customDescribe, if non-empty, is the
// output of an active custom mutator's describe hook and replaces the
// op:/pos:/val: clause.
func DescribeOp(tag byte, newPath bool, origin Origin, op MutatorOp, customDescribe string) string {
	isTimeout := tag&tagIsTimeout != 0
	primary := tag & tagPrimaryMask
	diversity := (tag & tagDiversityMask) >> tagDiversityShift

	var b strings.Builder

	if origin.SyncPeer != "" {
		fmt.Fprintf(&b, "sync:%s,src:%06d", origin.SyncPeer, origin.SyncCase)
	} else {
		fmt.Fprintf(&b, "src:%06d", origin.CurrentEntry)
		if origin.SpliceWith >= 0 {
			fmt.Fprintf(&b, "+%06d", origin.SpliceWith)
		}
		fmt.Fprintf(&b, ",time:%d,execs:%d", origin.ElapsedMs, origin.TotalExecs)
	}

	if customDescribe != "" {
		fmt.Fprintf(&b, ",%s", customDescribe)
	} else {
		fmt.Fprintf(&b, ",op:%s", op.Stage)
		if op.StageCurByte >= 0 {
			fmt.Fprintf(&b, ",pos:%d", op.StageCurByte)
			if op.Val != 0 {
				sign := "+"
				val := op.Val
				if val < 0 {
					sign = "-"
					val = -val
				}
				if op.ValIsBE {
					fmt.Fprintf(&b, ",val:be:%s%d", sign, val)
				} else {
					fmt.Fprintf(&b, ",val:%s%d", sign, val)
				}
			}
		} else {
			fmt.Fprintf(&b, ",rep:%d", op.Rep)
		}
	}

	if isTimeout {
		b.WriteString(",+tout")
	}
	if primary >= 1 {
		b.WriteString(",+cov")
	}
	if primary >= 2 {
		b.WriteString(",+cov2")
	}
	if diversity >= 1 {
		b.WriteString(",+div")
	}
	if diversity >= 2 {
		b.WriteString(",+div2")
	}
	if newPath {
		b.WriteString(",+path")
	}

	out := b.String()
	if len(out) > MaxDescriptionLen {
		panic(fmt.Sprintf("triage: describe_op exceeded max description length: %d > %d", len(out), MaxDescriptionLen))
	}
	return out
}

// QueueName builds the id:NNNNNN,<desc> filename for a queue entry.
func QueueName(id uint64, desc string) string {
	return fmt.Sprintf("id:%06d,%s", id, desc)
}

// CrashName builds the id:NNNNNN,sig:SS,<desc> filename for a crash
// artifact, including the killing signal.
func CrashName(id uint64, sig int, desc string) string {
	return fmt.Sprintf("id:%06d,sig:%02d,%s", id, sig, desc)
}

// HangName builds the id:NNNNNN,<desc> filename for a hang artifact. Hangs
// share the queue's plain naming scheme but live under <out>/hangs/.
func HangName(id uint64, desc string) string {
	return fmt.Sprintf("id:%06d,%s", id, desc)
}

// FoldTimeout ORs the is_timeout flag into a novelty.FoldTag result.
func FoldTimeout(tag byte, isTimeout bool) byte {
	if isTimeout {
		return tag | tagIsTimeout
	}
	return tag
}

// Primary extracts the primary novelty level from a folded tag byte.
func Primary(tag byte) novelty.Level {
	return novelty.Level(tag & tagPrimaryMask)
}

// Diversity extracts the max diversity novelty level from a folded tag byte.
func Diversity(tag byte) novelty.Level {
	return novelty.Level((tag & tagDiversityMask) >> tagDiversityShift)
}
