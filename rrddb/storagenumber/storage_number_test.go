package storagenumber

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackUnpackAccuracy(t *testing.T) {
	// sweep both signs across the whole representable range, the same way
	// the engine sees values: tiny fractions up to the saturation limit
	for _, sign := range []float64{-1, 1} {
		a := 0.0
		for j := 0; j < 9; j++ {
			a += 0.0000001
			c := a * sign

			for i := 0; i < 21; i, c = i+1, c*10 {
				if math.Abs(c) < MinPositive {
					continue
				}
				if math.Abs(c) > MaxPositive {
					continue
				}

				s := Pack(c, FlagExists)
				d := s.Value()

				loss := math.Abs(d-c) / math.Abs(c)
				assert.LessOrEqualf(t, loss, AccuracyLoss, "value %v unpacked as %v", c, d)
			}
		}
	}
}

func TestPackZero(t *testing.T) {
	s := Pack(0, FlagExists)
	assert.True(t, s.Exists())
	assert.False(t, s.Reset())
	assert.Equal(t, 0.0, s.Value())
}

func TestNotExists(t *testing.T) {
	s := Pack(0, 0)
	assert.False(t, s.Exists())
	assert.Equal(t, 0.0, s.Value())

	// a non-zero value with no flags still reads as missing
	s = Pack(1234.5, 0)
	assert.False(t, s.Exists())
	assert.Equal(t, 0.0, s.Value())
}

func TestResetFlag(t *testing.T) {
	s := Pack(42, FlagExistsReset)
	assert.True(t, s.Exists())
	assert.True(t, s.Reset())
	assert.InDelta(t, 42.0, s.Value(), 42.0*AccuracyLoss)

	s = Pack(42, FlagExists)
	assert.False(t, s.Reset())
}

func TestSaturation(t *testing.T) {
	s := Pack(1e18, FlagExists)
	assert.True(t, s.Exists())
	assert.InDelta(t, MaxPositive, s.Value(), MaxPositive*AccuracyLoss)

	s = Pack(-1e18, FlagExists)
	assert.InDelta(t, -MaxPositive, s.Value(), MaxPositive*AccuracyLoss)
}

func TestNegativeRoundTrip(t *testing.T) {
	for _, v := range []float64{-1, -0.5, -123456, -16777215, -1.5e10} {
		s := Pack(v, FlagExists)
		require.True(t, s.Exists())
		loss := math.Abs(s.Value()-v) / math.Abs(v)
		assert.LessOrEqual(t, loss, AccuracyLoss)
	}
}

func TestRelativeLoss(t *testing.T) {
	assert.Equal(t, 0.0, RelativeLoss(0, 5))
	assert.Equal(t, 0.0, RelativeLoss(5, 5))
	assert.InDelta(t, 0.5, RelativeLoss(10, 5), 1e-9)
	assert.InDelta(t, 0.5, RelativeLoss(5, 10), 1e-9)
}
