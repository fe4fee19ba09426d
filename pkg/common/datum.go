package common

import (
	"math"
)

func BoolGetDatum(v bool) Datum {
	if v {
		return 1
	}
	return 0
}

func DatumGetBool(d Datum) bool {
	return uint8(d) != 0
}

func Int16GetDatum(v int16) Datum {
	return Datum(uint16(v))
}

func DatumGetInt16(d Datum) int16 {
	return int16(uint16(d))
}

func Int32GetDatum(v int32) Datum {
	return Datum(uint32(v))
}

func DatumGetInt32(d Datum) int32 {
	return int32(uint32(d))
}

func Int64GetDatum(v int64) Datum {
	return Datum(uint64(v))
}

func DatumGetInt64(d Datum) int64 {
	return int64(d)
}

func Float32GetDatum(v float32) Datum {
	return Datum(math.Float32bits(v))
}

func DatumGetFloat32(d Datum) float32 {
	return math.Float32frombits(uint32(d))
}

func Float64GetDatum(v float64) Datum {
	return Datum(math.Float64bits(v))
}

func DatumGetFloat64(d Datum) float64 {
	return math.Float64frombits(uint64(d))
}

// TruncDatum keeps the low typlen bytes of a by-value datum.
func TruncDatum(d Datum, typlen int16) Datum {
	switch typlen {
	case 1:
		return Datum(uint8(d))
	case 2:
		return Datum(uint16(d))
	case 4:
		return Datum(uint32(d))
	case 8:
		return d
	default:
		panic("usp by-value length")
	}
}
