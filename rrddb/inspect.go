package rrddb

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/netdata/rrdserver/rrddb/storagenumber"
)

// DimensionFileInfo is the decoded content of one dimension database file,
// for offline inspection.
type DimensionFileInfo struct {
	Magic         string
	ID            string
	Algorithm     Algorithm
	Multiplier    int64
	Divisor       int64
	UpdateEvery   int
	Entries       int
	LastCollected time.Time
	Slots         []storagenumber.StorageNumber
}

// ReadDimensionFile decodes a dimension database file without mapping it.
func ReadDimensionFile(path string) (*DimensionFileInfo, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < dimHeaderSize {
		return nil, errors.Errorf("%s is too small for a dimension file", path)
	}

	info := &DimensionFileInfo{
		Magic:       fixedString(buf[dimMagicOff : dimMagicOff+dimMagicFieldSz]),
		ID:          fixedString(buf[dimIDOff : dimIDOff+dimIDMax]),
		Algorithm:   Algorithm(binary.LittleEndian.Uint32(buf[dimAlgoOff:])),
		Multiplier:  int64(binary.LittleEndian.Uint64(buf[dimMultOff:])),
		Divisor:     int64(binary.LittleEndian.Uint64(buf[dimDivOff:])),
		UpdateEvery: int(binary.LittleEndian.Uint32(buf[dimUpdEveryOff:])),
		Entries:     int(binary.LittleEndian.Uint32(buf[dimEntriesOff:])),
	}

	if info.Magic != dimensionMagic {
		return nil, errors.Errorf("%s is not a dimension file (magic %q)", path, info.Magic)
	}

	sec := int64(binary.LittleEndian.Uint64(buf[dimCollSecOff:]))
	usec := int64(binary.LittleEndian.Uint64(buf[dimCollUsecOff:]))
	info.LastCollected = time.Unix(sec, usec*1000)

	if want := dimensionFileSize(info.Entries); len(buf) < want {
		return nil, errors.Errorf("%s is truncated: %d bytes, want %d", path, len(buf), want)
	}

	info.Slots = make([]storagenumber.StorageNumber, info.Entries)
	for i := range info.Slots {
		info.Slots[i] = storagenumber.StorageNumber(binary.LittleEndian.Uint32(buf[dimHeaderSize+i*dimSlotSize:]))
	}

	return info, nil
}

// ChartFileInfo is the decoded content of one chart database file.
type ChartFileInfo struct {
	Magic        string
	ID           string
	Entries      int
	UpdateEvery  int
	CurrentEntry int
	Counter      uint64
	CounterDone  uint64
	LastUpdated  time.Time
	FirstEntry   time.Time
}

// ReadChartFile decodes a chart database file without mapping it.
func ReadChartFile(path string) (*ChartFileInfo, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(buf) < chartFileSize {
		return nil, errors.Errorf("%s is too small for a chart file", path)
	}

	info := &ChartFileInfo{
		Magic:        fixedString(buf[chartMagicOff : chartMagicOff+chartMagicFieldSz]),
		ID:           fixedString(buf[chartIDOff : chartIDOff+chartIDMax]),
		Entries:      int(binary.LittleEndian.Uint32(buf[chartEntriesOff:])),
		UpdateEvery:  int(binary.LittleEndian.Uint32(buf[chartUpdEveryOff:])),
		CurrentEntry: int(binary.LittleEndian.Uint32(buf[chartCurEntryOff:])),
		Counter:      binary.LittleEndian.Uint64(buf[chartCounterOff:]),
		CounterDone:  binary.LittleEndian.Uint64(buf[chartCtrDoneOff:]),
	}

	if info.Magic != chartMagic {
		return nil, errors.Errorf("%s is not a chart file (magic %q)", path, info.Magic)
	}

	info.LastUpdated = time.UnixMicro(int64(binary.LittleEndian.Uint64(buf[chartLastUpdOff:])))
	info.FirstEntry = time.UnixMicro(int64(binary.LittleEndian.Uint64(buf[chartFirstEntOff:])))

	return info, nil
}
