package gpusort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitonicSchedule(t *testing.T) {
	assert.Nil(t, BitonicSchedule(0, 4))
	assert.Nil(t, BitonicSchedule(1, 4))

	steps := BitonicSchedule(5, 1)
	assert.Equal(t, []Step{
		{Phase: PhaseLocalSort},
		{Phase: PhaseGlobalStep, UnitSize: 4, Reversing: true},
		{Phase: PhaseMerge},
		{Phase: PhaseGlobalStep, UnitSize: 8, Reversing: true},
		{Phase: PhaseGlobalStep, UnitSize: 4},
		{Phase: PhaseMerge},
	}, steps)

	//one window covers every item
	assert.Equal(t, []Step{{Phase: PhaseLocalSort}}, BitonicSchedule(2047, 1024))
	assert.Equal(t, []Step{{Phase: PhaseLocalSort}}, BitonicSchedule(2, 1024))

	steps = BitonicSchedule(2048, 1024)
	assert.Equal(t, []Step{
		{Phase: PhaseLocalSort},
		{Phase: PhaseGlobalStep, UnitSize: 4096, Reversing: true},
		{Phase: PhaseMerge},
	}, steps)

	//every merge round starts with a reversing step and ends with a merge
	steps = BitonicSchedule(100000, 64)
	require.Equal(t, PhaseLocalSort, steps[0].Phase)
	rounds := 0
	for i := 1; i < len(steps); i++ {
		if steps[i].Phase == PhaseMerge {
			rounds++
			continue
		}
		require.Equal(t, PhaseGlobalStep, steps[i].Phase)
		if steps[i-1].Phase != PhaseGlobalStep {
			assert.True(t, steps[i].Reversing)
		} else {
			assert.False(t, steps[i].Reversing)
			assert.Equal(t, steps[i-1].UnitSize/2, steps[i].UnitSize)
		}
		assert.Greater(t, steps[i].UnitSize, 2*64)
	}
	//windows of 128 doubled up to 131072
	assert.Equal(t, 10, rounds)
	assert.Equal(t, PhaseMerge, steps[len(steps)-1].Phase)

	assert.Panics(t, func() { BitonicSchedule(10, 3) })
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "LOCAL_SORT", PhaseLocalSort.String())
	assert.Equal(t, "PHASE(9)", Phase(9).String())
	assert.Equal(t, "GLOBAL_STEP(16, true)", Step{Phase: PhaseGlobalStep, UnitSize: 16, Reversing: true}.String())
	assert.Equal(t, "MERGE", Step{Phase: PhaseMerge}.String())
}
