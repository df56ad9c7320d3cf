package pitch

import (
	"errors"
	"fmt"
	"math/cmplx"

	"github.com/andrepxx/go-dsp-guitar/fft"
	"github.com/mjibson/go-dsp/window"
)

// Method selects how the autocorrelation is computed.
type Method string

const (
	// MethodDirect sums lagged products in the time domain.
	MethodDirect Method = "direct"
	// MethodFFT computes the same linear autocorrelation through a
	// zero-padded power spectrum.
	MethodFFT Method = "fft"
)

// ErrUnknownMethod is returned for an unsupported correlation method.
var ErrUnknownMethod = errors.New("pitch: unknown correlation method")

// ParseMethod validates a method name. Empty selects MethodDirect.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case "", MethodDirect:
		return MethodDirect, nil
	case MethodFFT:
		return MethodFFT, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Estimator computes the same result as Estimate but reuses its window and
// transform buffers between frames. It is not safe for concurrent use; give
// each audio stream its own Estimator.
type Estimator struct {
	MinHz  float64
	MaxHz  float64
	method Method

	hann     []float64
	windowed []float64

	ft      fft.FourierTransform
	padded  []float64
	product []complex128
}

// NewEstimator creates an Estimator for the given frequency range.
func NewEstimator(minHz, maxHz float64, method Method) (*Estimator, error) {
	if _, err := ParseMethod(string(method)); err != nil {
		return nil, err
	}
	if !(minHz > 0) || !(maxHz > minHz) {
		return nil, fmt.Errorf("pitch: invalid range %.1f-%.1f Hz", minHz, maxHz)
	}
	if method == "" {
		method = MethodDirect
	}
	e := &Estimator{MinHz: minHz, MaxHz: maxHz, method: method}
	if method == MethodFFT {
		e.ft = fft.CreateFourierTransform()
	}
	return e, nil
}

// Method reports the correlation method in use.
func (e *Estimator) Method() Method {
	return e.method
}

// Estimate analyses one frame. The input slice is not modified.
func (e *Estimator) Estimate(frame []float64, sampleRate float64) Result {
	n := len(frame)
	if len(e.hann) != n {
		e.hann = window.Hann(n)
		e.windowed = make([]float64, n)
	}
	for i, v := range frame {
		e.windowed[i] = v * e.hann[i]
	}

	corr := directCorrelation
	if e.method == MethodFFT {
		corr = e.fftCorrelation
	}
	return estimateWindowed(e.windowed, sampleRate, e.MinHz, e.MaxHz, corr)
}

// fftCorrelation returns the linear autocorrelation for lags [0, maxLag],
// falling back to the direct sum if the transform fails.
func (e *Estimator) fftCorrelation(x []float64, maxLag int) []float64 {
	n := len(x)
	size, _ := fft.NextPowerOfTwo(uint64(2 * n))
	if uint64(len(e.padded)) != size {
		e.padded = make([]float64, size)
		e.product = make([]complex128, size)
	}

	copy(e.padded, x)
	fft.ZeroFloat(e.padded[n:])

	if err := e.ft.RealFourier(e.padded, e.product, fft.SCALING_DEFAULT); err != nil {
		return directCorrelation(x, maxLag)
	}
	for i, v := range e.product {
		e.product[i] = v * cmplx.Conj(v)
	}
	if err := e.ft.RealInverseFourier(e.product, e.padded, fft.SCALING_DEFAULT); err != nil {
		return directCorrelation(x, maxLag)
	}

	ac := make([]float64, maxLag+1)
	copy(ac, e.padded[:maxLag+1])
	return ac
}
