// Package rrddb implements the round-robin time-series engine: charts of
// dimensions sampled on a fixed wall-clock grid, stored as 32-bit fixed
// point numbers in bounded rings, optionally memory-mapped to disk.
package rrddb

import (
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// ring capacity bounds
	MinEntries            = 5
	DefaultHistoryEntries = 3600
	MaxHistoryEntries     = 86400 * 365

	// update cadence bounds, in seconds
	MinUpdateEvery     = 1
	DefaultUpdateEvery = 1
	MaxUpdateEvery     = 3600

	// slots stored as NOT_EXISTS when a collection gap exceeds this many cycles
	DefaultGapInterpolations = 5

	chartMagic     = "NETDATA RRD SET FILE V019"
	dimensionMagic = "NETDATA RRD DIMENSION FILE V019"
)

// ErrChartNotFound is returned by queries naming an unknown chart.
var ErrChartNotFound = errors.New("chart not found")

// MemoryMode selects how a chart's rings are backed.
type MemoryMode int

const (
	// MemoryModeRAM keeps rings in anonymous memory only.
	MemoryModeRAM MemoryMode = iota
	// MemoryModeMap maps rings to files with shared pages.
	MemoryModeMap
	// MemoryModeSave maps rings privately and writes them back on save.
	MemoryModeSave
)

// MemoryModeID parses a memory mode name; anything unknown means save.
func MemoryModeID(name string) MemoryMode {
	switch name {
	case "ram":
		return MemoryModeRAM
	case "map":
		return MemoryModeMap
	}
	return MemoryModeSave
}

func (m MemoryMode) String() string {
	switch m {
	case MemoryModeRAM:
		return "ram"
	case MemoryModeMap:
		return "map"
	default:
		return "save"
	}
}

// ChartType is the rendering hint carried in chart metadata.
type ChartType int

const (
	ChartTypeLine ChartType = iota
	ChartTypeArea
	ChartTypeStacked
)

// ChartTypeID parses a chart type name; anything unknown means line.
func ChartTypeID(name string) ChartType {
	switch name {
	case "area":
		return ChartTypeArea
	case "stacked":
		return ChartTypeStacked
	}
	return ChartTypeLine
}

func (t ChartType) String() string {
	switch t {
	case ChartTypeArea:
		return "area"
	case ChartTypeStacked:
		return "stacked"
	default:
		return "line"
	}
}

// Algorithm is the rule converting a raw sample into the stored value.
type Algorithm int

const (
	AlgorithmAbsolute Algorithm = iota
	AlgorithmIncremental
	AlgorithmPctOfRow
	AlgorithmPctOfDiffRow
)

// AlgorithmID parses an algorithm name; anything unknown means absolute.
func AlgorithmID(name string) Algorithm {
	switch name {
	case "incremental":
		return AlgorithmIncremental
	case "percentage-of-absolute-row":
		return AlgorithmPctOfRow
	case "percentage-of-incremental-row":
		return AlgorithmPctOfDiffRow
	}
	return AlgorithmAbsolute
}

func (a Algorithm) String() string {
	switch a {
	case AlgorithmIncremental:
		return "incremental"
	case AlgorithmPctOfRow:
		return "percentage-of-absolute-row"
	case AlgorithmPctOfDiffRow:
		return "percentage-of-incremental-row"
	default:
		return "absolute"
	}
}

// sanitizeName maps anything outside [a-zA-Z0-9.] to underscore. Chart and
// dimension names double as file names, so they stay filesystem-safe.
func sanitizeName(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

// nameHash precomputes the hash used to short-circuit string comparison in
// chart and dimension lookups.
func nameHash(s string) uint64 {
	return xxhash.Sum64String(s)
}
