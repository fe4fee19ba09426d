package gpusort

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/kds"
)

// SortKey is one ORDER BY item over a column of the sorted rows.
type SortKey struct {
	Col        int
	Desc       bool
	NullsFirst bool
}

func (key SortKey) String() string {
	s := fmt.Sprintf("c%d", key.Col+1)
	if key.Desc {
		s += " DESC"
	}
	if key.NullsFirst {
		s += " NULLS FIRST"
	} else {
		s += " NULLS LAST"
	}
	return s
}

// ParseSortKeys parses a list like "c2 desc nulls first, 0". A column is
// named by its attribute name or its zero-based index. NULLS LAST is the
// default in either direction.
func ParseSortKeys(desc *common.TupleDesc, s string) ([]SortKey, error) {
	var keys []SortKey
	for _, item := range strings.Split(s, ",") {
		words := strings.Fields(strings.ToLower(item))
		if len(words) == 0 {
			return nil, fmt.Errorf("empty sort key in %q", s)
		}
		key := SortKey{Col: -1}
		for i := range desc.Attrs {
			if strings.ToLower(desc.Attrs[i].Name) == words[0] {
				key.Col = i
				break
			}
		}
		if key.Col < 0 {
			col, err := strconv.Atoi(words[0])
			if err != nil || col < 0 || col >= desc.NAtts() {
				return nil, fmt.Errorf("unknown sort column %q", words[0])
			}
			key.Col = col
		}
		words = words[1:]
		if len(words) > 0 && (words[0] == "asc" || words[0] == "desc") {
			key.Desc = words[0] == "desc"
			words = words[1:]
		}
		if len(words) == 2 && words[0] == "nulls" && (words[1] == "first" || words[1] == "last") {
			key.NullsFirst = words[1] == "first"
			words = words[2:]
		}
		if len(words) > 0 {
			return nil, fmt.Errorf("bad sort key %q", strings.TrimSpace(item))
		}
		keys = append(keys, key)
	}
	return keys, nil
}

type keyCol struct {
	SortKey
	typeId common.Oid
	byval  bool
	//one of them is set
	cmpDatum func(x, y uint64) int
	cmpBytes func(x, y []byte) (int, error)
}

// KeyComp compares two slot rows by the sort keys.
type KeyComp struct {
	keys []keyCol
}

func cmpOrdered[T int8 | uint8 | int16 | int32 | int64](x, y T) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// NaN is equal to itself and larger than any other value.
func cmpFloat(x, y float64) int {
	xnan, ynan := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xnan && ynan:
		return 0
	case xnan:
		return 1
	case ynan:
		return -1
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpBytes(x, y []byte) (int, error) {
	return bytes.Compare(x, y), nil
}

func cmpNumericText(x, y []byte) (int, error) {
	dx, err := common.ParseDecimal(string(x))
	if err != nil {
		return 0, err
	}
	dy, err := common.ParseDecimal(string(y))
	if err != nil {
		return 0, err
	}
	return dx.Decimal.Cmp(dy.Decimal), nil
}

// NewKeyComp builds the comparator of keys over rows of desc. With
// internalFormat, numeric keys are compared in the device encoding.
func NewKeyComp(desc *common.TupleDesc, keys []SortKey, internalFormat bool) (*KeyComp, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no sort keys")
	}
	kc := &KeyComp{}
	for _, key := range keys {
		if key.Col < 0 || key.Col >= desc.NAtts() {
			return nil, fmt.Errorf("sort key %s out of %d columns", key, desc.NAtts())
		}
		attr := desc.Attr(key.Col)
		col := keyCol{SortKey: key, typeId: attr.TypeId, byval: attr.ByVal}
		switch attr.TypeId {
		case common.BOOLOID:
			col.cmpDatum = func(x, y uint64) int {
				return cmpOrdered(uint8(x), uint8(y))
			}
		case common.INT2OID:
			col.cmpDatum = func(x, y uint64) int {
				return cmpOrdered(int16(x), int16(y))
			}
		case common.INT4OID, common.DATEOID:
			col.cmpDatum = func(x, y uint64) int {
				return cmpOrdered(int32(x), int32(y))
			}
		case common.INT8OID, common.TIMESTAMPOID:
			col.cmpDatum = func(x, y uint64) int {
				return cmpOrdered(int64(x), int64(y))
			}
		case common.FLOAT4OID:
			col.cmpDatum = func(x, y uint64) int {
				return cmpFloat(float64(math.Float32frombits(uint32(x))), float64(math.Float32frombits(uint32(y))))
			}
		case common.FLOAT8OID:
			col.cmpDatum = func(x, y uint64) int {
				return cmpFloat(math.Float64frombits(x), math.Float64frombits(y))
			}
		case common.TEXTOID, common.UUIDOID:
			col.cmpBytes = cmpBytes
		case common.NUMERICOID:
			if internalFormat {
				col.byval = true
				col.cmpDatum = common.CompareDeviceNumeric
			} else {
				col.cmpBytes = cmpNumericText
			}
		default:
			return nil, fmt.Errorf("type %s is not sortable on device", common.TypeName(attr.TypeId))
		}
		kc.keys = append(kc.keys, col)
	}
	return kc, nil
}

// compare orders slot row x of kx against slot row y of ky. By-reference
// values are offsets into their store until the pointer fixup and host
// addresses after it. Corrupted values raise an error in kcxt and compare
// equal.
func (kc *KeyComp) compare(kcxt *KernContext, kx kds.Kds, x uint32, ky kds.Kds, y uint32, fixedUp bool) int {
	xvals, xnull := kx.SlotValues(int(x)), kx.SlotIsNull(int(x))
	yvals, ynull := ky.SlotValues(int(y)), ky.SlotIsNull(int(y))
	for i := range kc.keys {
		key := &kc.keys[i]
		xn, yn := xnull[key.Col], ynull[key.Col]
		if xn || yn {
			if xn && yn {
				continue
			}
			if xn == key.NullsFirst {
				return -1
			}
			return 1
		}
		var cmp int
		if key.byval {
			cmp = key.cmpDatum(xvals[key.Col], yvals[key.Col])
		} else {
			xoff, yoff := xvals[key.Col], yvals[key.Col]
			if fixedUp {
				xoff -= kx.Header().HostPtr
				yoff -= ky.Header().HostPtr
			}
			xb, err := kx.RefAt(key.Col, int(xoff))
			if err != nil {
				kcxt.SetError(StromErrorDataCorruption)
				return 0
			}
			yb, err := ky.RefAt(key.Col, int(yoff))
			if err != nil {
				kcxt.SetError(StromErrorDataCorruption)
				return 0
			}
			if cmp, err = key.cmpBytes(xb, yb); err != nil {
				kcxt.SetError(StromErrorDataCorruption)
				return 0
			}
		}
		if key.Desc {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	return 0
}

// Compare is the device form, used before the pointer fixup.
func (kc *KeyComp) Compare(kcxt *KernContext, k kds.Kds, x uint32, y uint32) int {
	return kc.compare(kcxt, k, x, k, y, false)
}

// CompareFixed compares rows of two fixed-up segments on the host.
func (kc *KeyComp) CompareFixed(kcxt *KernContext, kx kds.Kds, x uint32, ky kds.Kds, y uint32) int {
	return kc.compare(kcxt, kx, x, ky, y, true)
}
