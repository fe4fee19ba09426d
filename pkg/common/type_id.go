package common

import (
	"fmt"
)

type Oid uint32

const (
	InvalidOid Oid = 0

	BOOLOID      Oid = 16
	INT8OID      Oid = 20
	INT2OID      Oid = 21
	INT4OID      Oid = 23
	TEXTOID      Oid = 25
	FLOAT4OID    Oid = 700
	FLOAT8OID    Oid = 701
	DATEOID      Oid = 1082
	TIMESTAMPOID Oid = 1114
	NUMERICOID   Oid = 1700
	UUIDOID      Oid = 2950
)

func (oid Oid) Valid() bool {
	return oid != InvalidOid
}

// alignment codes of pg_type.typalign
const (
	TYPALIGN_CHAR   byte = 'c'
	TYPALIGN_SHORT  byte = 's'
	TYPALIGN_INT    byte = 'i'
	TYPALIGN_DOUBLE byte = 'd'
)

type TypeInfo struct {
	Oid   Oid
	Name  string
	Len   int16
	ByVal bool
	Align byte
}

var typeCatalog = map[Oid]*TypeInfo{
	BOOLOID:      {BOOLOID, "bool", 1, true, TYPALIGN_CHAR},
	INT2OID:      {INT2OID, "int2", 2, true, TYPALIGN_SHORT},
	INT4OID:      {INT4OID, "int4", 4, true, TYPALIGN_INT},
	INT8OID:      {INT8OID, "int8", 8, true, TYPALIGN_DOUBLE},
	FLOAT4OID:    {FLOAT4OID, "float4", 4, true, TYPALIGN_INT},
	FLOAT8OID:    {FLOAT8OID, "float8", 8, true, TYPALIGN_DOUBLE},
	DATEOID:      {DATEOID, "date", 4, true, TYPALIGN_INT},
	TIMESTAMPOID: {TIMESTAMPOID, "timestamp", 8, true, TYPALIGN_DOUBLE},
	TEXTOID:      {TEXTOID, "text", -1, false, TYPALIGN_INT},
	NUMERICOID:   {NUMERICOID, "numeric", -1, false, TYPALIGN_INT},
	UUIDOID:      {UUIDOID, "uuid", 16, false, TYPALIGN_CHAR},
}

func LookupType(oid Oid) (*TypeInfo, bool) {
	info, ok := typeCatalog[oid]
	return info, ok
}

// TypeLen returns typlen of the type, or 0 when the type is unknown.
func TypeLen(oid Oid) int16 {
	info, ok := typeCatalog[oid]
	if !ok {
		return 0
	}
	return info.Len
}

func TypeName(oid Oid) string {
	info, ok := typeCatalog[oid]
	if !ok {
		return fmt.Sprintf("oid(%d)", oid)
	}
	return info.Name
}

func TypeAlignWidth(align byte) int {
	switch align {
	case TYPALIGN_CHAR:
		return 1
	case TYPALIGN_SHORT:
		return 2
	case TYPALIGN_INT:
		return 4
	case TYPALIGN_DOUBLE:
		return 8
	default:
		panic(fmt.Sprintf("usp typalign %c", align))
	}
}
