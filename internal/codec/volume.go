package codec

import (
	"fmt"
	"math"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

// Denormalize maps a 0-100 volume to the device's native dB value, quantized
// to the device step.
func Denormalize(r av.VolumeRange, v int) (float64, error) {
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("volume %d outside 0-100: %w", v, av.ErrInvalidParameter)
	}
	db := r.MinDB + (r.MaxDB-r.MinDB)*float64(v)/100
	if r.StepDB > 0 {
		db = r.MinDB + math.Round((db-r.MinDB)/r.StepDB)*r.StepDB
	}
	return math.Min(db, r.MaxDB), nil
}

// Normalize maps a native dB value back to 0-100, clamping values outside the
// configured range.
func Normalize(r av.VolumeRange, db float64) int {
	span := r.MaxDB - r.MinDB
	if span <= 0 {
		return 0
	}
	v := int(math.Round((db - r.MinDB) / span * 100))
	return max(0, min(100, v))
}
