package kds

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daviszhen/strom/pkg/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	faultOpen     = "kds.open"
	faultTruncate = "kds.truncate"
	faultMmap     = "kds.mmap"
	faultMunmap   = "kds.munmap"
	faultUnlink   = "kds.unlink"
)

// Backing is the memory of one data store: heap bytes or a shared
// mapping of a region of a file.
type Backing struct {
	Data     []byte
	FileName string
	Offset   int64
	mapped   bool
	//unlink the file at release
	ownsFile bool
}

func (b *Backing) Mapped() bool {
	return b.mapped
}

func TempFileName(dir string) string {
	return filepath.Join(dir,
		fmt.Sprintf("strom_%d.%s.kds", os.Getpid(), uuid.New().String()))
}

func allocHeap(size int) *Backing {
	return &Backing{Data: util.GAlloc.Alloc(size)}
}

// mapFile extends fname to cover offset+length and maps that region.
// The descriptor is closed before returning; the mapping stays valid.
func mapFile(fname string, flag int, offset int64, length int) ([]byte, error) {
	if err := util.Inject(util.FAULTS_SCOPE_KDS, faultOpen); err != nil {
		return nil, fmt.Errorf("could not open file-mapped data store %q: %w", fname, err)
	}
	f, err := os.OpenFile(fname, flag, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open file-mapped data store %q: %w", fname, err)
	}
	defer f.Close()

	err = util.Inject(util.FAULTS_SCOPE_KDS, faultTruncate)
	if err == nil {
		var st os.FileInfo
		//never shrink; other stores may be mapped beyond this region
		if st, err = f.Stat(); err == nil && st.Size() < offset+int64(length) {
			err = f.Truncate(offset + int64(length))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("could not truncate file %q to %d: %w",
			fname, offset+int64(length), err)
	}

	err = util.Inject(util.FAULTS_SCOPE_KDS, faultMmap)
	var data []byte
	if err == nil {
		data, err = unix.Mmap(int(f.Fd()), offset, length,
			unix.PROT_READ|unix.PROT_WRITE, mmapFlags)
	}
	if err != nil {
		return nil, fmt.Errorf("could not mmap %q with len/ofs=%d/%d: %w",
			fname, length, offset, err)
	}
	return data, nil
}

func allocMapped(dir string, size int) (*Backing, error) {
	fname := TempFileName(dir)
	data, err := mapFile(fname, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0, size)
	if err != nil {
		_ = os.Remove(fname)
		return nil, err
	}
	return &Backing{
		Data:     data,
		FileName: fname,
		mapped:   true,
		ownsFile: true,
	}, nil
}

// allocChained maps size bytes of the toast's file right after the toast
// region. The toast keeps ownership of the file.
func allocChained(toast *Backing, size int) (*Backing, error) {
	offset := int64(util.TypeAlign(util.BLCKSZ, len(toast.Data))) + toast.Offset
	data, err := mapFile(toast.FileName, os.O_RDWR, offset, size)
	if err != nil {
		return nil, err
	}
	return &Backing{
		Data:     data,
		FileName: toast.FileName,
		Offset:   offset,
		mapped:   true,
	}, nil
}

func openExisting(fname string, offset int64, length int) (*Backing, error) {
	if offset != int64(util.TypeAlign(util.BLCKSZ, int(offset))) {
		return nil, fmt.Errorf("offset %d of %q is not aligned to %d",
			offset, fname, util.BLCKSZ)
	}
	data, err := mapFile(fname, os.O_RDWR, offset, length)
	if err != nil {
		return nil, err
	}
	return &Backing{
		Data:     data,
		FileName: fname,
		Offset:   offset,
		mapped:   true,
	}, nil
}

func munmap(data []byte) error {
	if err := util.Inject(util.FAULTS_SCOPE_KDS, faultMunmap); err != nil {
		return err
	}
	return unix.Munmap(data)
}

func unlink(fname string) error {
	if err := util.Inject(util.FAULTS_SCOPE_KDS, faultUnlink); err != nil {
		return err
	}
	return os.Remove(fname)
}

// release never fails. Unmap and unlink errors are logged.
func (b *Backing) release() {
	if !b.mapped {
		util.GAlloc.Free(b.Data)
		b.Data = nil
		return
	}
	if err := munmap(b.Data); err != nil {
		util.Warn("could not unmap file",
			zap.String("file", b.FileName),
			zap.Int64("offset", b.Offset),
			zap.Int("length", len(b.Data)),
			zap.Error(err))
	}
	b.Data = nil
	if b.ownsFile {
		if err := unlink(b.FileName); err != nil {
			util.Warn("failed on unlink",
				zap.String("file", b.FileName),
				zap.Error(err))
		}
	}
}
