package gpusort

import (
	"fmt"

	"github.com/daviszhen/strom/pkg/util"
)

type Phase int32

const (
	PhaseProject Phase = iota + 1
	PhaseLocalSort
	PhaseGlobalStep
	PhaseMerge
	PhaseFixup
)

func (p Phase) String() string {
	switch p {
	case PhaseProject:
		return "PROJECT"
	case PhaseLocalSort:
		return "LOCAL_SORT"
	case PhaseGlobalStep:
		return "GLOBAL_STEP"
	case PhaseMerge:
		return "MERGE"
	case PhaseFixup:
		return "FIXUP"
	}
	return fmt.Sprintf("PHASE(%d)", int32(p))
}

// Step is one kernel launch of the sort of a segment.
type Step struct {
	Phase Phase
	//GLOBAL_STEP only
	UnitSize  int
	Reversing bool
}

func (s Step) String() string {
	if s.Phase == PhaseGlobalStep {
		return fmt.Sprintf("%s(%d, %v)", s.Phase, s.UnitSize, s.Reversing)
	}
	return s.Phase.String()
}

// BitonicSchedule lists the launches sorting nitems results with blocks
// of blockSize threads. Each block sorts a window of 2*blockSize in
// shared memory; windows are then merged by doubling until one run
// covers every item.
func BitonicSchedule(nitems int, blockSize int) []Step {
	if nitems <= 1 {
		return nil
	}
	util.AssertFunc(blockSize > 0 && util.IsPowerOfTwo(uint64(blockSize)))
	//least power of two not less than half of nitems
	nhalf := int(util.NextPowerOfTwo(uint64(nitems)+1) / 2)

	steps := []Step{{Phase: PhaseLocalSort}}
	for i := blockSize; i < nhalf; i *= 2 {
		for j := 2 * i; j > blockSize; j /= 2 {
			steps = append(steps, Step{
				Phase:     PhaseGlobalStep,
				UnitSize:  2 * j,
				Reversing: j == 2*i,
			})
		}
		steps = append(steps, Step{Phase: PhaseMerge})
	}
	return steps
}
