// Package storagenumber implements the lossy 32-bit fixed-point encoding
// used by the round-robin database slots.
//
// Layout: sign(1) | multiply/divide(1) | exponent(3) | flags(3) | mantissa(24).
// The decoded value is ±mantissa·10^±exponent, which covers
// ±1.6777215e14. Magnitudes from 0.0005 upwards keep a relative accuracy
// loss of at most 0.01%; smaller magnitudes keep fewer significant digits,
// because the exponent stops at 7.
package storagenumber

import (
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricSaturations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "rrdserver",
	Name:      "storage_number_saturations_total",
	Help:      "Total number of values saturated because they exceed the representable range.",
})

// StorageNumber is one packed ring slot.
type StorageNumber uint32

const (
	signBit       StorageNumber = 1 << 31
	multiplierBit StorageNumber = 1 << 30

	expShift = 27
	expMask  = StorageNumber(7) << expShift

	// FlagExists marks a slot holding a real sample. A zero flag field
	// means the slot holds no sample at all.
	FlagExists StorageNumber = 1 << 24
	// FlagExistsReset additionally marks the cycle where an incremental
	// counter wrapped or went backwards.
	FlagExistsReset StorageNumber = 1 << 25

	flagsMask = StorageNumber(7) << 24
	valueMask = StorageNumber(0x00ffffff)

	// normalizeLimit is the largest mantissa that can still be multiplied
	// by 10 and stay within the 24-bit value mask.
	normalizeLimit = 0x00199999
)

// Representable range and the accepted relative accuracy loss.
const (
	MaxPositive  = 167772150000000.0
	MinPositive  = 0.00001
	AccuracyLoss = 0.0001 // 0.01%
)

// Pack encodes a finite value with the given flags. NaN and infinities are
// not defined inputs; callers must filter them. Values beyond the
// representable range saturate to all mantissa bits.
func Pack(value float64, flags StorageNumber) StorageNumber {
	r := flags & flagsMask
	if value == 0 {
		return r
	}

	n := value
	if n < 0 {
		r |= signBit
		n = -n
	}

	// make the integer part fit in 24 bits by dividing by 10,
	// recording the exponent for unpack
	m := 0
	for m < 7 && n > float64(valueMask) {
		n /= 10
		m++
	}

	if m != 0 {
		r |= multiplierBit | StorageNumber(m)<<expShift

		if n > float64(valueMask) {
			metricSaturations.Inc()
			r |= valueMask
			return r
		}
	} else {
		// the value is small: multiply by 10 while it fits, so the
		// mantissa keeps as many significant digits as possible
		for m < 7 && n <= normalizeLimit {
			n *= 10
			m++
		}
		r |= StorageNumber(m) << expShift
	}

	// round, or 0.9 unpacks as 0.89
	r += StorageNumber(math.Round(n))

	return r
}

// Value decodes the packed number. Slots with no flag bit set (NOT_EXISTS)
// decode to 0.
func (s StorageNumber) Value() float64 {
	if !s.Exists() {
		return 0
	}

	v := s &^ flagsMask

	sign := v&signBit != 0
	mul := v&multiplierBit != 0
	exp := int((v & expMask) >> expShift)

	n := float64(v & valueMask)
	for ; exp > 0; exp-- {
		if mul {
			n *= 10
		} else {
			n /= 10
		}
	}

	if sign {
		n = -n
	}
	return n
}

// Exists reports whether the slot holds a real sample. Any flag bit set
// means a sample is present; an all-zero flag field is NOT_EXISTS.
func (s StorageNumber) Exists() bool {
	return s&flagsMask != 0
}

// Reset reports whether the sample was stored on a counter-wrap cycle.
func (s StorageNumber) Reset() bool {
	return s&FlagExistsReset != 0
}

// Flags returns only the flag bits of the slot.
func (s StorageNumber) Flags() StorageNumber {
	return s & flagsMask
}

// RelativeLoss returns the accuracy loss between an original and a stored
// value, as a fraction of the larger one.
func RelativeLoss(t1, t2 float64) float64 {
	if t1 == t2 || t1 == 0 || t2 == 0 {
		return 0
	}
	if math.Abs(t1) > math.Abs(t2) {
		return 1 - t2/t1
	}
	return 1 - t1/t2
}
