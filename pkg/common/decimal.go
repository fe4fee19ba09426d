package common

import (
	"errors"

	decimal2 "github.com/govalues/decimal"
)

// Device-side numeric is a fixed 8-byte word:
// sign:1 | scale:5 | coefficient:58
const (
	numericSignBit    = uint64(1) << 63
	numericScaleShift = 58
	numericScaleMask  = uint64(0x1F)
	numericCoefMask   = (uint64(1) << 58) - 1
)

var ErrNumericOutOfRange = errors.New("numeric value out of device range")

type Decimal struct {
	decimal2.Decimal
}

func ParseDecimal(s string) (Decimal, error) {
	d, err := decimal2.Parse(s)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{d}, nil
}

func (dec *Decimal) Equal(o *Decimal) bool {
	return dec.Decimal.Cmp(o.Decimal) == 0
}

func (dec *Decimal) Less(lhs, rhs *Decimal) bool {
	return lhs.Decimal.Cmp(rhs.Decimal) < 0
}

func (dec *Decimal) String() string {
	return dec.Decimal.String()
}

// NumericToDevice packs a decimal into the fixed device representation.
func NumericToDevice(dec Decimal) (uint64, error) {
	coef := dec.Decimal.Coef()
	scale := dec.Decimal.Scale()
	if coef > numericCoefMask || uint64(scale) > numericScaleMask {
		return 0, ErrNumericOutOfRange
	}
	val := coef | (uint64(scale) << numericScaleShift)
	if dec.Decimal.IsNeg() {
		val |= numericSignBit
	}
	return val, nil
}

// NumericFromDevice unpacks the fixed device representation.
func NumericFromDevice(val uint64) (Decimal, error) {
	coef := int64(val & numericCoefMask)
	scale := int((val >> numericScaleShift) & numericScaleMask)
	if val&numericSignBit != 0 {
		coef = -coef
	}
	d, err := decimal2.New(coef, scale)
	if err != nil {
		return Decimal{}, err
	}
	return Decimal{d}, nil
}

// CompareDeviceNumeric compares two device numerics. Values that cannot
// be decoded sort after any valid one.
func CompareDeviceNumeric(x, y uint64) int {
	dx, errx := NumericFromDevice(x)
	dy, erry := NumericFromDevice(y)
	switch {
	case errx != nil && erry != nil:
		return 0
	case errx != nil:
		return 1
	case erry != nil:
		return -1
	}
	return dx.Decimal.Cmp(dy.Decimal)
}
