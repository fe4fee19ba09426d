package kds

import (
	"fmt"
	"strings"

	"github.com/daviszhen/strom/pkg/util"
	"github.com/xlab/treeprint"
)

func (ds *DataStore) Print(tree treeprint.Tree) {
	k := ds.Kds()
	hdr := k.Header()
	toastId := uint64(0)
	if ds.toast != nil {
		toastId = ds.toast.id
	}
	tree.AddMetaNode("pds", fmt.Sprintf("{id=%d fname=%q offset=%d length=%d mapped=%v toast=%d}",
		ds.id, ds.backing.FileName, ds.backing.Offset, len(k), ds.backing.Mapped(), toastId))
	tree.AddMetaNode("kds", fmt.Sprintf("{hostptr=%#x length=%d usage=%d ncols=%d nitems=%d nrooms=%d"+
		" format=%s tdhasoid=%v tdtypeid=%d tdtypmod=%d}",
		hdr.HostPtr, hdr.Length, hdr.Usage, hdr.NCols, hdr.NItems, hdr.NRooms,
		formatName(hdr.Format), hdr.TdHasOid, hdr.TdTypeId, hdr.TdTypMod))
	cols := tree.AddBranch("columns")
	for i := 0; i < k.NCols(); i++ {
		cmeta := k.ColMeta(i)
		cols.AddMetaNode(i, fmt.Sprintf("{attbyval=%v attalign=%d attlen=%d attnum=%d attcacheoff=%d}",
			cmeta.AttByVal, cmeta.AttAlign, cmeta.AttLen, cmeta.AttNum, cmeta.AttCacheOff))
	}
	switch hdr.Format {
	case KDS_FORMAT_ROW:
		rows := tree.AddBranch("rows")
		vals := make([]uint64, k.NCols())
		isnull := make([]bool, k.NCols())
		for i := 0; i < int(hdr.NItems); i++ {
			item, htup, err := k.TupItem(i)
			if err == nil {
				err = k.DeformHeapTuple(htup, vals, isnull)
			}
			if err != nil {
				rows.AddMetaNode(i, err.Error())
				continue
			}
			sb := strings.Builder{}
			for j := range vals {
				if j > 0 {
					sb.WriteString(", ")
				}
				k.dumpDatum(&sb, j, vals[j], isnull[j], htup)
			}
			rows.AddMetaNode(i, fmt.Sprintf("ctid=(%d,%d) {%s}", item.Blkno, item.OffNum, sb.String()))
		}
	case KDS_FORMAT_SLOT:
		rows := tree.AddBranch("slots")
		for i := 0; i < int(hdr.NItems); i++ {
			values := k.SlotValues(i)
			isnull := k.SlotIsNull(i)
			sb := strings.Builder{}
			for j := range values {
				if j > 0 {
					sb.WriteString(", ")
				}
				if isnull[j] {
					sb.WriteString("null")
				} else {
					fmt.Fprintf(&sb, "%016x", values[j])
				}
			}
			rows.AddMetaNode(i, "{"+sb.String()+"}")
		}
	}
}

func (k Kds) dumpDatum(sb *strings.Builder, col int, val uint64, isnull bool, htup []byte) {
	if isnull {
		sb.WriteString("null")
		return
	}
	cmeta := k.ColMeta(col)
	switch cmeta.AttLen {
	case 1:
		fmt.Fprintf(sb, "%02x", uint8(val))
	case 2:
		fmt.Fprintf(sb, "%04x", uint16(val))
	case 4:
		fmt.Fprintf(sb, "%08x", uint32(val))
	case 8:
		fmt.Fprintf(sb, "%016x", val)
	default:
		off := int(val)
		if cmeta.AttLen > 0 {
			fmt.Fprintf(sb, "%x", htup[off:off+int(cmeta.AttLen)])
		} else {
			sz := int(util.Load[uint32](util.BytesSliceToPointer(htup[off:])))
			fmt.Fprintf(sb, "%q", htup[off+4:off+sz])
		}
	}
}

// Dump renders the header, the column metadata and the rows.
func (ds *DataStore) Dump() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("DataStore %d:", ds.id))
	ds.Print(tree)
	return tree.String()
}
