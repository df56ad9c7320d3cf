// Package pitch estimates the fundamental frequency of a struck drumhead from
// one frame of audio using a Hann-windowed autocorrelation.
package pitch

import (
	"math"

	"github.com/mjibson/go-dsp/window"
)

// SilenceRMS is the windowed RMS below which a frame is treated as silence.
const SilenceRMS = 0.005

// Result is the outcome of one estimate. Hz is only meaningful when Found.
type Result struct {
	Hz    float64
	RMS   float64
	Found bool
}

// Estimate returns the fundamental of frame within [minHz, maxHz].
func Estimate(frame []float64, sampleRate, minHz, maxHz float64) Result {
	windowed := make([]float64, len(frame))
	copy(windowed, frame)
	window.Apply(windowed, window.Hann)
	return estimateWindowed(windowed, sampleRate, minHz, maxHz, directCorrelation)
}

type correlator func(x []float64, maxLag int) []float64

func estimateWindowed(x []float64, sampleRate, minHz, maxHz float64, corr correlator) Result {
	rms := rootMeanSquare(x)
	res := Result{RMS: rms}
	if len(x) < 3 || rms < SilenceRMS {
		return res
	}
	if !(minHz > 0) || !(maxHz > minHz) || !(sampleRate > 0) {
		return res
	}

	minLag, maxLag := lagBounds(len(x), sampleRate, minHz, maxHz)
	if minLag < 1 || maxLag-minLag < 1 {
		return res
	}

	ac := corr(x, maxLag)
	if ac[0] <= 0 {
		return res
	}
	for i := range ac {
		ac[i] /= ac[0]
	}

	peak, best := -1, 0.0
	for lag := minLag; lag < maxLag; lag++ {
		if ac[lag] > best {
			best = ac[lag]
			peak = lag
		}
	}
	if peak < 0 {
		return res
	}

	hz := sampleRate / (float64(peak) + parabolicOffset(ac[peak-1], ac[peak], ac[peak+1]))
	if math.IsNaN(hz) || math.IsInf(hz, 0) || hz < minHz || hz > maxHz {
		return res
	}

	res.Hz = hz
	res.Found = true
	return res
}

// lagBounds converts the frequency range to a lag range, keeping maxLag
// inside the frame.
func lagBounds(n int, sampleRate, minHz, maxHz float64) (int, int) {
	minLag := int(math.Floor(sampleRate / maxHz))
	maxLag := int(math.Floor(sampleRate / minHz))
	if maxLag > n-1 {
		maxLag = n - 1
	}
	return minLag, maxLag
}

// parabolicOffset is the vertex of the parabola through three equally spaced
// samples, relative to the middle one. Collinear samples have no vertex;
// the slope is returned unscaled.
func parabolicOffset(c0, c1, c2 float64) float64 {
	denom := 2 * (c0 - 2*c1 + c2)
	if denom == 0 {
		denom = 1
	}
	return (c0 - c2) / denom
}

func rootMeanSquare(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// directCorrelation computes the raw autocorrelation for lags [0, maxLag].
func directCorrelation(x []float64, maxLag int) []float64 {
	ac := make([]float64, maxLag+1)
	n := len(x)
	for lag := 0; lag <= maxLag; lag++ {
		var sum float64
		for i := 0; i+lag < n; i++ {
			sum += x[i] * x[i+lag]
		}
		ac[lag] = sum
	}
	return ac
}
