package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeCatalog(t *testing.T) {
	assert.Equal(t, int16(4), TypeLen(INT4OID))
	assert.Equal(t, int16(-1), TypeLen(TEXTOID))
	assert.Equal(t, int16(0), TypeLen(Oid(9999)))
	assert.Equal(t, 8, TypeAlignWidth(TYPALIGN_DOUBLE))
	assert.Panics(t, func() { TypeAlignWidth('x') })

	desc := NewTupleDesc(INT4OID, TEXTOID, NUMERICOID)
	assert.Equal(t, 3, desc.NAtts())
	assert.True(t, desc.HasVarWidth())
	assert.Equal(t, int16(2), desc.Attr(1).AttNum)
	assert.Equal(t, "(c1 int4, c2 text, c3 numeric)", desc.String())
}

func TestNumericDevice(t *testing.T) {
	for _, s := range []string{"0", "1.5", "-123.456", "99999999.99"} {
		d, err := ParseDecimal(s)
		require.NoError(t, err)
		v, err := NumericToDevice(d)
		require.NoError(t, err)
		back, err := NumericFromDevice(v)
		require.NoError(t, err)
		assert.True(t, d.Equal(&back), s)
	}

	big, err := ParseDecimal("9999999999999999999")
	require.NoError(t, err)
	_, err = NumericToDevice(big)
	assert.ErrorIs(t, err, ErrNumericOutOfRange)

	a, _ := ParseDecimal("-2.5")
	b, _ := ParseDecimal("1.25")
	va, _ := NumericToDevice(a)
	vb, _ := NumericToDevice(b)
	assert.Equal(t, -1, CompareDeviceNumeric(va, vb))
	assert.Equal(t, 1, CompareDeviceNumeric(vb, va))
	assert.Equal(t, 0, CompareDeviceNumeric(va, va))
}
