package gpusort

import (
	"errors"
	"sync"
	"testing"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/kds"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	assert.Equal(t, 16, SizeOfKernGpuSort)
	assert.Equal(t, 16, SizeOfKernResultBuf)

	params, err := kds.BuildParamBuffer([]kds.ParamNode{
		kds.NewConst(common.TEXTOID, storage.RefValue([]byte("key"))),
	}, nil)
	require.NoError(t, err)
	buf := NewGpuSortBuf(7, params, 128)
	assert.Equal(t, uint32(7), buf.Header().SegId)
	assert.Equal(t, []byte(params), []byte(buf.Params()))
	assert.Equal(t, SizeOfKernGpuSort+len(params), buf.DMASendLength())
	assert.Equal(t, SizeOfKernGpuSort, buf.DMARecvLength())
	assert.Len(t, buf.KdsIn(), 128)

	rb := NewResultBuf(10)
	assert.Equal(t, ResultBufLength(10), len(rb))
	assert.Len(t, rb.Results(), 10)
	base, ok := rb.Alloc(6)
	require.True(t, ok)
	assert.Equal(t, uint32(0), base)
	_, ok = rb.Alloc(5)
	assert.False(t, ok)
	assert.Equal(t, uint32(6), rb.Header().NItems)
	base, ok = rb.Alloc(4)
	require.True(t, ok)
	assert.Equal(t, uint32(6), base)
}

func TestKernErrorBuf(t *testing.T) {
	var e KernErrorBuf
	assert.NoError(t, statusError(&e))

	//first error wins
	var wg sync.WaitGroup
	e.Set(StromErrorSuccess, PhaseProject)
	e.Set(StromErrorCpuReCheck, PhaseProject)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Set(StromErrorDataCorruption, PhaseMerge)
		}()
	}
	wg.Wait()
	assert.Equal(t, StromErrorCpuReCheck, e.Code())
	assert.Equal(t, PhaseProject, e.Phase)

	err := statusError(&e)
	assert.ErrorIs(t, err, ErrCpuReCheck)
	assert.EqualError(t, err, "gpusort PROJECT: CpuReCheck")
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, StromErrorCpuReCheck, serr.Code)

	e.Reset()
	assert.NoError(t, statusError(&e))

	kcxt := newKernContext(PhaseLocalSort)
	assert.False(t, kcxt.Failed())
	kcxt.SetError(StromErrorDataStoreNoSpace)
	kcxt.SetError(StromErrorDataCorruption)
	assert.True(t, kcxt.Failed())
	kcxt.writeBack(&e)
	assert.ErrorIs(t, statusError(&e), ErrSegmentNoSpace)
	assert.Equal(t, PhaseLocalSort, e.Phase)

	corrupt := &StatusError{Code: StromErrorDataCorruption, Phase: PhaseFixup}
	assert.ErrorIs(t, corrupt, kds.ErrDataCorruption)
	cause := errors.New("launch failed")
	runtime := &StatusError{Code: StromErrorRuntime, Phase: PhaseMerge, Cause: cause}
	assert.ErrorIs(t, runtime, cause)
	assert.EqualError(t, runtime, "gpusort MERGE: Runtime: launch failed")
	assert.Equal(t, "Unknown(42)", errorCodeName(42))
}
