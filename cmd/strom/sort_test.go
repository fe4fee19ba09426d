package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
)

func TestRunSort(t *testing.T) {
	cfg := util.DefaultConfig()
	cfg.Chunk.SizeKB = util.MinChunkSizeKB
	cfg.Chunk.TempDir = t.TempDir()
	cfg.Sort.Rows = 3000
	cfg.Sort.SegmentRows = 1000
	cfg.Sort.Keys = "name desc nulls first, amount, id"
	cfg.Debug.PrintResult = true
	cfg.Debug.MaxPrint = 5
	require.NoError(t, runSort(context.Background(), cfg))

	cfg.Sort.Keys = "nope"
	assert.Error(t, runSort(context.Background(), cfg))
}

func TestGenRelation(t *testing.T) {
	rel, err := genRelation(100, 1)
	require.NoError(t, err)
	assert.Greater(t, rel.NBlocks(), uint32(0))
	assert.Equal(t, "created", rel.Desc.Attr(4).Name)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", formatValue(common.INT4OID, storage.NullValue()))
	assert.Equal(t, "-5", formatValue(common.INT4OID, storage.DatumValue(common.Int32GetDatum(-5))))
	assert.Equal(t, "1.500", formatValue(common.FLOAT8OID, storage.DatumValue(common.Float64GetDatum(1.5))))
	assert.Equal(t, "2000-01-02", formatValue(common.DATEOID, storage.DatumValue(common.Int32GetDatum(1))))
	assert.Equal(t, "2000-01-01 00:00:01",
		formatValue(common.TIMESTAMPOID, storage.DatumValue(common.Int64GetDatum(1000000))))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001",
		formatValue(common.UUIDOID, storage.RefValue(append(make([]byte, 15), 1))))
	assert.Equal(t, "abc", formatValue(common.TEXTOID, storage.RefValue([]byte("abc"))))
}
