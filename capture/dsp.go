package capture

import "math"

// Loopback gain staging constants. Empirically tuned; exposed as package
// constants rather than buried in the normalization code so a build can
// adjust them in one place.
const (
	// GainTriggerDBFS is the average level below which loopback audio is
	// considered too quiet and gain normalization kicks in.
	GainTriggerDBFS = -32.0
	// GainTargetDBFS is the level the RMS-driven gain aims for.
	GainTargetDBFS = -24.0
	// GainMaxMultiplier caps the RMS-driven gain.
	GainMaxMultiplier = 12.0
	// GainPeakCeiling keeps the loudest post-gain sample under this
	// magnitude (of 32767 full scale).
	GainPeakCeiling = 30000
	// gainApplyFloor: gains at or below this are not worth the bit-depth
	// churn and are skipped entirely.
	gainApplyFloor = 1.05
)

// RMS computes the root-mean-square level of int16 samples, in int16 units
// (0..32767). This is the scale the sensitivity threshold is configured in.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts an int16-scale RMS level to decibels relative to full scale.
// The rms is floored at 1.0 to avoid log(0).
func DBFS(rms float64) float64 {
	if rms < 1.0 {
		rms = 1.0
	}
	return 20 * math.Log10(rms/32768.0)
}

// FoldToMono collapses interleaved multi-channel samples to mono by picking,
// per sample index, the channel with the largest absolute magnitude. A plain
// average risks phase cancellation on stereo-mixed system audio.
func FoldToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	n := len(samples) / channels
	mono := make([]int16, n)
	for i := 0; i < n; i++ {
		best := samples[i*channels]
		bestAbs := absInt16(best)
		for c := 1; c < channels; c++ {
			s := samples[i*channels+c]
			if a := absInt16(s); a > bestAbs {
				best, bestAbs = s, a
			}
		}
		mono[i] = best
	}
	return mono
}

// NormalizeGain applies loopback gain normalization in place and reports the
// gain used. Audio at or above GainTriggerDBFS is left untouched (gain 1.0).
// The applied gain is the smaller of the RMS-driven gain toward
// GainTargetDBFS (capped at GainMaxMultiplier) and the peak-safety gain that
// keeps the loudest sample under GainPeakCeiling, never below 1.0.
func NormalizeGain(samples []int16) (gain float64, applied bool) {
	level := DBFS(RMS(samples))
	if level >= GainTriggerDBFS {
		return 1.0, false
	}

	gain = math.Pow(10, (GainTargetDBFS-level)/20)
	if gain > GainMaxMultiplier {
		gain = GainMaxMultiplier
	}
	if peak := peakAbs(samples); peak > 0 {
		if safety := float64(GainPeakCeiling) / float64(peak); safety < gain {
			gain = safety
		}
	}
	if gain < 1.0 {
		gain = 1.0
	}
	if gain <= gainApplyFloor {
		return 1.0, false
	}

	for i, s := range samples {
		v := math.Round(float64(s) * gain)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		samples[i] = int16(v)
	}
	return gain, true
}

func absInt16(s int16) int32 {
	v := int32(s)
	if v < 0 {
		v = -v
	}
	return v
}

func peakAbs(samples []int16) int32 {
	var peak int32
	for _, s := range samples {
		if a := absInt16(s); a > peak {
			peak = a
		}
	}
	return peak
}
