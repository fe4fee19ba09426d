package gpusort

import (
	"math"
	"testing"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/kds"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillSlot appends rows to a slot store the way the projection lays them
// out: by-reference values are offsets into the extra area.
func fillSlot(t *testing.T, ds *kds.DataStore, rows [][]storage.Value) {
	k := ds.Kds()
	for _, row := range rows {
		i, ok := k.AllocRows(1)
		require.True(t, ok)
		values, isnull := k.SlotValues(int(i)), k.SlotIsNull(int(i))
		for col, val := range row {
			isnull[col] = val.IsNull
			if val.IsNull {
				continue
			}
			cmeta := k.ColMeta(col)
			if cmeta.AttByVal {
				values[col] = uint64(val.Datum)
				continue
			}
			data := val.Ref
			if cmeta.AttLen < 0 {
				data = storage.MakeVarlena(val.Ref)
			}
			off, ok := k.AllocExtra(uint32(util.MaxAlign(len(data))))
			require.True(t, ok)
			copy(k[off:], data)
			values[col] = uint64(off)
		}
	}
}

func int4(v int32) storage.Value {
	return storage.DatumValue(common.Int32GetDatum(v))
}

func text(s string) storage.Value {
	return storage.RefValue([]byte(s))
}

func float8(v float64) storage.Value {
	return storage.DatumValue(common.Float64GetDatum(v))
}

func deviceNumeric(t *testing.T, s string) storage.Value {
	dec, err := common.ParseDecimal(s)
	require.NoError(t, err)
	word, err := common.NumericToDevice(dec)
	require.NoError(t, err)
	return storage.DatumValue(common.Datum(word))
}

func newSlot(t *testing.T, desc *common.TupleDesc, internalFormat bool, rows [][]storage.Value) *kds.DataStore {
	ctx := kds.NewContext(nil)
	t.Cleanup(ctx.Close)
	ds, err := ctx.CreateSlot(desc, len(rows), 1024, internalFormat, nil)
	require.NoError(t, err)
	t.Cleanup(ds.Release)
	fillSlot(t, ds, rows)
	return ds
}

func TestKeyCompScalar(t *testing.T) {
	desc := common.NewTupleDesc(common.INT4OID, common.FLOAT8OID)
	ds := newSlot(t, desc, false, [][]storage.Value{
		{int4(3), float8(1.5)},
		{int4(-7), float8(math.NaN())},
		{storage.NullValue(), float8(math.Inf(-1))},
		{int4(3), float8(math.NaN())},
		{storage.NullValue(), storage.NullValue()},
	})
	k := ds.Kds()
	kcxt := newKernContext(PhaseLocalSort)

	comp, err := NewKeyComp(desc, []SortKey{{Col: 0}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Compare(kcxt, k, 0, 1))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 1, 0))
	assert.Equal(t, 0, comp.Compare(kcxt, k, 0, 3))
	//nulls last
	assert.Equal(t, 1, comp.Compare(kcxt, k, 2, 0))
	assert.Equal(t, 0, comp.Compare(kcxt, k, 2, 4))

	comp, err = NewKeyComp(desc, []SortKey{{Col: 0, Desc: true, NullsFirst: true}}, false)
	require.NoError(t, err)
	assert.Equal(t, -1, comp.Compare(kcxt, k, 0, 1))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 2, 1))

	//DESC does not move the nulls
	comp, err = NewKeyComp(desc, []SortKey{{Col: 0, Desc: true}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Compare(kcxt, k, 2, 1))

	comp, err = NewKeyComp(desc, []SortKey{{Col: 1}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Compare(kcxt, k, 1, 0))
	assert.Equal(t, 0, comp.Compare(kcxt, k, 1, 3))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 2, 0))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 1, 4))

	//second key breaks ties
	comp, err = NewKeyComp(desc, []SortKey{{Col: 0}, {Col: 1, Desc: true}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Compare(kcxt, k, 0, 3))
	assert.False(t, kcxt.Failed())

	_, err = NewKeyComp(desc, nil, false)
	assert.Error(t, err)
	_, err = NewKeyComp(desc, []SortKey{{Col: 2}}, false)
	assert.ErrorContains(t, err, "c3 NULLS LAST")
}

func TestKeyCompByRef(t *testing.T) {
	desc := common.NewTupleDesc(common.TEXTOID, common.NUMERICOID, common.UUIDOID)
	uid := func(b byte) storage.Value {
		v := make([]byte, 16)
		v[15] = b
		return storage.RefValue(v)
	}
	rows := [][]storage.Value{
		{text("apple"), text("10"), uid(2)},
		{text("apples"), text("9.5"), uid(1)},
		{text(""), text("-0.001"), uid(3)},
		{text("banana"), text("10.000"), uid(2)},
	}
	ds := newSlot(t, desc, false, rows)
	k := ds.Kds()
	kcxt := newKernContext(PhaseGlobalStep)

	comp, err := NewKeyComp(desc, []SortKey{{Col: 0}}, false)
	require.NoError(t, err)
	assert.Equal(t, -1, comp.Compare(kcxt, k, 0, 1))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 2, 0))
	assert.Equal(t, 1, comp.Compare(kcxt, k, 3, 1))

	//numeric order, not text order
	comp, err = NewKeyComp(desc, []SortKey{{Col: 1}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Compare(kcxt, k, 0, 1))
	assert.Equal(t, 0, comp.Compare(kcxt, k, 0, 3))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 2, 1))

	comp, err = NewKeyComp(desc, []SortKey{{Col: 2}, {Col: 0, Desc: true}}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Compare(kcxt, k, 0, 1))
	assert.Equal(t, 1, comp.Compare(kcxt, k, 0, 3))
	assert.False(t, kcxt.Failed())

	//the same rows compare the same after the pointer fixup
	fixed := newSlot(t, desc, false, rows)
	fk := fixed.Kds()
	hostPtr := fk.Header().HostPtr
	for i := range rows {
		values := fk.SlotValues(i)
		for col := range values {
			values[col] += hostPtr
		}
	}
	comp, err = NewKeyComp(desc, []SortKey{{Col: 1}, {Col: 0}}, false)
	require.NoError(t, err)
	for x := range rows {
		for y := range rows {
			assert.Equal(t, comp.Compare(kcxt, k, uint32(x), uint32(y)),
				comp.CompareFixed(kcxt, fk, uint32(x), fk, uint32(y)))
		}
	}
	assert.False(t, kcxt.Failed())

	//an offset outside the store
	k.SlotValues(1)[0] = 0
	comp, err = NewKeyComp(desc, []SortKey{{Col: 0}}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, comp.Compare(kcxt, k, 0, 1))
	assert.True(t, kcxt.Failed())
	var e KernErrorBuf
	kcxt.writeBack(&e)
	assert.ErrorIs(t, statusError(&e), kds.ErrDataCorruption)
}

func TestKeyCompDeviceNumeric(t *testing.T) {
	desc := common.NewTupleDesc(common.NUMERICOID)
	ds := newSlot(t, desc, true, [][]storage.Value{
		{deviceNumeric(t, "10")},
		{deviceNumeric(t, "9.5")},
		{deviceNumeric(t, "-12.25")},
		{deviceNumeric(t, "10.00")},
		{storage.NullValue()},
	})
	k := ds.Kds()
	require.True(t, k.ColMeta(0).AttByVal)
	kcxt := newKernContext(PhaseMerge)

	comp, err := NewKeyComp(desc, []SortKey{{Col: 0, NullsFirst: true}}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, comp.Compare(kcxt, k, 0, 1))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 2, 1))
	assert.Equal(t, 0, comp.Compare(kcxt, k, 0, 3))
	assert.Equal(t, -1, comp.Compare(kcxt, k, 4, 2))
	assert.False(t, kcxt.Failed())
}

func TestParseSortKeys(t *testing.T) {
	desc := common.NewTupleDesc(common.INT4OID, common.TEXTOID, common.FLOAT8OID)
	keys, err := ParseSortKeys(desc, "c2 DESC nulls first, 0,2 asc")
	require.NoError(t, err)
	assert.Equal(t, []SortKey{
		{Col: 1, Desc: true, NullsFirst: true},
		{Col: 0},
		{Col: 2},
	}, keys)
	assert.Equal(t, "c2 DESC NULLS FIRST", keys[0].String())

	for _, bad := range []string{"", "3", "c4", "c1 up", "c1 nulls", "c1,,c2", "c1 desc nulls first x"} {
		_, err = ParseSortKeys(desc, bad)
		assert.Error(t, err, bad)
	}
}
