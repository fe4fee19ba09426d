package common

import (
	"fmt"
	"strings"
)

// Datum is one column value word. By-value types keep the value itself,
// by-reference types keep an offset or an address of the payload.
type Datum uint64

type Attribute struct {
	Name    string
	TypeId  Oid
	TypMod  int32
	Len     int16
	ByVal   bool
	Align   byte
	AttNum  int16
	NotNull bool
}

type TupleDesc struct {
	Attrs  []Attribute
	HasOid bool
	TypeId Oid
	TypMod int32
}

func NewAttribute(name string, typ Oid, attnum int16) Attribute {
	info, ok := LookupType(typ)
	if !ok {
		panic(fmt.Sprintf("usp type %d", typ))
	}
	return Attribute{
		Name:   name,
		TypeId: typ,
		TypMod: -1,
		Len:    info.Len,
		ByVal:  info.ByVal,
		Align:  info.Align,
		AttNum: attnum,
	}
}

// NewTupleDesc builds a record descriptor with columns c1, c2, ...
func NewTupleDesc(types ...Oid) *TupleDesc {
	desc := &TupleDesc{
		TypeId: InvalidOid,
		TypMod: -1,
	}
	for i, typ := range types {
		desc.Attrs = append(desc.Attrs,
			NewAttribute(fmt.Sprintf("c%d", i+1), typ, int16(i+1)))
	}
	return desc
}

func (desc *TupleDesc) NAtts() int {
	return len(desc.Attrs)
}

func (desc *TupleDesc) Attr(i int) *Attribute {
	return &desc.Attrs[i]
}

func (desc *TupleDesc) HasVarWidth() bool {
	for i := range desc.Attrs {
		if desc.Attrs[i].Len < 0 {
			return true
		}
	}
	return false
}

func (desc *TupleDesc) String() string {
	sb := strings.Builder{}
	sb.WriteString("(")
	for i := range desc.Attrs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(desc.Attrs[i].Name)
		sb.WriteString(" ")
		sb.WriteString(TypeName(desc.Attrs[i].TypeId))
	}
	sb.WriteString(")")
	return sb.String()
}
