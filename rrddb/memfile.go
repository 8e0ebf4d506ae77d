package rrddb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/netdata/rrdserver/pkg/util/log"
)

// memRegion is a file-backed memory region holding a chart or dimension
// header followed by its ring. In map mode the mapping is shared and changes
// reach the file through the page cache; in save mode the mapping is private
// and the region is written back with a temp-then-rename copy on save.
type memRegion struct {
	path   string
	shared bool
	data   []byte
}

func openRegion(path string, size int, shared bool) (*memRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if st.Size() != int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, errors.Wrapf(err, "resize %s to %d", path, size)
		}
	}

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE
	if shared {
		flags = unix.MAP_SHARED
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}

	for _, advice := range []int{unix.MADV_SEQUENTIAL, unix.MADV_DONTFORK, unix.MADV_WILLNEED} {
		if err := unix.Madvise(data, advice); err != nil {
			level.Debug(log.Logger).Log("msg", "madvise failed", "file", path, "err", err)
		}
	}

	level.Debug(log.Logger).Log("msg", "mapped database file", "file", path, "size", humanize.IBytes(uint64(size)), "shared", shared)

	return &memRegion{path: path, shared: shared, data: data}, nil
}

func (r *memRegion) bytes() []byte {
	return r.data
}

// zero clears the whole region, the recovery action for any header mismatch.
func (r *memRegion) zero() {
	for i := range r.data {
		r.data[i] = 0
	}
}

// save flushes the region to disk. Shared mappings msync in place; private
// mappings write a full copy to <path>.<pid>.tmp and rename it over the
// original so readers never see a torn file.
func (r *memRegion) save() error {
	if r.shared {
		return errors.Wrapf(unix.Msync(r.data, unix.MS_SYNC), "msync %s", r.path)
	}

	tmp := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmp, r.data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

func (r *memRegion) close() error {
	if r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	return errors.Wrapf(err, "munmap %s", r.path)
}

// chartDir returns (and creates, for file-backed modes) the directory
// holding one chart's database files.
func chartDir(baseDir, fullID string, mode MemoryMode) (string, error) {
	dir := filepath.Join(baseDir, sanitizeName(fullID))
	if mode == MemoryModeRAM {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return "", errors.Wrapf(err, "create chart directory %s", dir)
	}
	return dir, nil
}
