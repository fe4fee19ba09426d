// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xlab/treeprint"
	"go.uber.org/zap"

	"github.com/daviszhen/strom/pkg/common"
	"github.com/daviszhen/strom/pkg/gpusort"
	"github.com/daviszhen/strom/pkg/kds"
	"github.com/daviszhen/strom/pkg/storage"
	"github.com/daviszhen/strom/pkg/util"
)

//sort cmd

var sortInfo = "generate a relation, load it into chunks and sort it on the device"
var sortCmd = &cobra.Command{
	Use:   "sort",
	Short: sortInfo,
	Long:  sortInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := initSortCfg(); err != nil {
			return err
		}
		return runSort(cmd.Context(), stromCfg)
	},
}

func initSortCfg() error {
	initChunkOptions()
	initDeviceOptions()
	stromCfg.Sort.Rows = viper.GetInt("sort.rows")
	stromCfg.Sort.Workers = viper.GetInt("sort.workers")
	stromCfg.Sort.SegmentRows = viper.GetInt("sort.segmentRows")
	stromCfg.Sort.Keys = viper.GetString("sort.keys")
	return initDebugOptions()
}

func initSortCmd() {
	def := util.DefaultConfig()
	RootCmd.AddCommand(sortCmd)
	flags := sortCmd.Flags()
	flags.IntVar(&stromCfg.Sort.Rows, "rows", def.Sort.Rows, "rows of the generated relation")
	flags.IntVar(&stromCfg.Sort.Workers, "workers", def.Sort.Workers, "scan workers")
	flags.IntVar(&stromCfg.Sort.SegmentRows, "segment_rows", def.Sort.SegmentRows, "rows of a sort segment")
	flags.StringVar(&stromCfg.Sort.Keys, "keys", def.Sort.Keys, `sort keys. e.g. "name desc nulls first, id"`)
	flags.BoolVar(&stromCfg.Debug.PrintResult, "print_result", false, "print the sorted rows")
	flags.BoolVar(&stromCfg.Debug.DumpChunk, "dump_chunk", false, "dump the first input chunk")
	flags.IntVar(&stromCfg.Debug.MaxPrint, "max_print", def.Debug.MaxPrint, "rows to print at most")

	viper.BindPFlag("sort.rows", flags.Lookup("rows"))
	viper.BindPFlag("sort.workers", flags.Lookup("workers"))
	viper.BindPFlag("sort.segmentRows", flags.Lookup("segment_rows"))
	viper.BindPFlag("sort.keys", flags.Lookup("keys"))
	viper.BindPFlag("debug.printResult", flags.Lookup("print_result"))
	viper.BindPFlag("debug.dumpChunk", flags.Lookup("dump_chunk"))
	viper.BindPFlag("debug.maxPrint", flags.Lookup("max_print"))
}

var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func sortDesc() *common.TupleDesc {
	desc := common.NewTupleDesc(
		common.INT4OID,
		common.TEXTOID,
		common.FLOAT8OID,
		common.NUMERICOID,
		common.TIMESTAMPOID,
		common.UUIDOID,
	)
	for i, name := range []string{"id", "name", "score", "amount", "created", "tag"} {
		desc.Attrs[i].Name = name
	}
	return desc
}

// genRelation fills a relation with rows committed by one transaction.
// About one value in ten of the nullable columns is null.
func genRelation(nrows int, seed int64) (*storage.Relation, error) {
	desc := sortDesc()
	clog := storage.NewCommitLog()
	rel := storage.NewRelation(16384, "strom_sort", desc, clog)
	rnd := rand.New(rand.NewSource(seed))
	nullable := func(v storage.Value) storage.Value {
		if rnd.Intn(10) == 0 {
			return storage.NullValue()
		}
		return v
	}
	xid := clog.Begin()
	for i := 0; i < nrows; i++ {
		name := make([]byte, 1+rnd.Intn(24))
		for j := range name {
			name[j] = 'a' + byte(rnd.Intn(26))
		}
		amount := fmt.Sprintf("%d.%02d", rnd.Intn(200000)-100000, rnd.Intn(100))
		created := pgEpoch.Add(time.Duration(rnd.Int63n(int64(24*365*time.Hour)))).Sub(pgEpoch).Microseconds()
		tag, err := uuid.NewRandomFromReader(rnd)
		if err != nil {
			return nil, err
		}
		tup, err := storage.FormTuple(desc, []storage.Value{
			storage.DatumValue(common.Int32GetDatum(int32(i))),
			nullable(storage.RefValue(name)),
			nullable(storage.DatumValue(common.Float64GetDatum(rnd.NormFloat64() * 100))),
			nullable(storage.RefValue([]byte(amount))),
			storage.DatumValue(common.Int64GetDatum(created)),
			storage.RefValue(tag[:]),
		})
		if err != nil {
			return nil, err
		}
		if _, err = rel.Insert(xid, tup); err != nil {
			return nil, err
		}
	}
	clog.Commit(xid)
	return rel, nil
}

func formatValue(typ common.Oid, val storage.Value) string {
	if val.IsNull {
		return "NULL"
	}
	switch typ {
	case common.BOOLOID:
		return fmt.Sprint(common.DatumGetBool(val.Datum))
	case common.INT2OID:
		return fmt.Sprint(common.DatumGetInt16(val.Datum))
	case common.INT4OID:
		return fmt.Sprint(common.DatumGetInt32(val.Datum))
	case common.INT8OID:
		return fmt.Sprint(common.DatumGetInt64(val.Datum))
	case common.FLOAT4OID:
		return fmt.Sprint(common.DatumGetFloat32(val.Datum))
	case common.FLOAT8OID:
		return fmt.Sprintf("%.3f", common.DatumGetFloat64(val.Datum))
	case common.DATEOID:
		return pgEpoch.AddDate(0, 0, int(common.DatumGetInt32(val.Datum))).Format(time.DateOnly)
	case common.TIMESTAMPOID:
		return pgEpoch.Add(time.Duration(common.DatumGetInt64(val.Datum)) * time.Microsecond).Format(time.DateTime)
	case common.UUIDOID:
		id, err := uuid.FromBytes(val.Ref)
		if err != nil {
			return fmt.Sprintf("%x", val.Ref)
		}
		return id.String()
	}
	return string(val.Ref)
}

func runSort(ctx context.Context, cfg *util.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	rel, err := genRelation(cfg.Sort.Rows, start.UnixNano())
	if err != nil {
		return err
	}
	desc := rel.Desc
	keys, err := gpusort.ParseSortKeys(desc, cfg.Sort.Keys)
	if err != nil {
		return err
	}

	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()
	dsctx := kds.NewContext(cfg)
	defer dsctx.Close()

	checker := &storage.CountingSerializableChecker{}
	snap := rel.Clog.GetSnapshot(storage.InvalidTransactionId)
	inputs, err := kds.ScanRelation(ctx, dsctx, rel, snap, kds.ScanOptions{
		Workers:    cfg.Sort.Workers,
		ChunkSize:  cfg.ChunkSize(),
		FileMapped: cfg.Chunk.FileMapped,
		PagePrune:  true,
		Checker:    checker,
	})
	rel.Clog.ReleaseSnapshot(snap)
	if err != nil {
		return err
	}
	defer func() {
		for _, in := range inputs {
			in.Release()
		}
	}()
	util.Info("relation loaded",
		zap.Int("rows", cfg.Sort.Rows),
		zap.Uint32("blocks", rel.NBlocks()),
		zap.Int("chunks", len(inputs)),
		zap.Int64("checked", checker.Checked.Load()),
		zap.Duration("elapsed", time.Since(start)))
	if cfg.Debug.DumpChunk && len(inputs) > 0 {
		fmt.Println(inputs[0].Dump())
	}

	start = time.Now()
	s, err := gpusort.Sort(dev, dsctx, desc, keys, nil, inputs, gpusort.Options{
		SegmentRows:    cfg.Sort.SegmentRows,
		ExtraLen:       cfg.ChunkSize(),
		InternalFormat: true,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	keyNames := make([]string, len(keys))
	for i, key := range keys {
		keyNames[i] = key.String()
	}
	util.Info("sorted",
		zap.String("keys", strings.Join(keyNames, ", ")),
		zap.Int("rows", s.NItems()),
		zap.Int("segments", len(s.Segments())),
		zap.Bool("internalFormat", s.InternalFormat()),
		zap.Int64("launches", dev.Launches()),
		zap.Duration("elapsed", time.Since(start)))

	if !cfg.Debug.PrintResult {
		return nil
	}
	tree := treeprint.NewWithRoot(fmt.Sprintf("%d rows ORDER BY %s", s.NItems(), strings.Join(keyNames, ", ")))
	it := s.Iterator()
	slot := &kds.TupleSlot{}
	for i := 0; i < cfg.Debug.MaxPrint; i++ {
		seg, ok := it.Next(slot)
		if !ok {
			break
		}
		fields := make([]string, desc.NAtts())
		for col := range fields {
			val, err := s.Value(seg, slot, col)
			if err != nil {
				return err
			}
			fields[col] = fmt.Sprintf("%s=%s", desc.Attr(col).Name, formatValue(desc.Attr(col).TypeId, val))
		}
		tree.AddMetaNode(seg.Id, strings.Join(fields, " "))
	}
	if err = it.Err(); err != nil {
		return err
	}
	fmt.Println(tree.String())
	return nil
}
