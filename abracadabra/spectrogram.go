package abracadabra

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

// Extractor turns a mono PCM stream into log-magnitude spectrogram
// frames and then spectral peaks. Samples may arrive as one buffer or as
// arbitrary chunks; unconsumed tail samples carry over between writes.
// An Extractor is single-use and must not be shared between goroutines;
// each worker builds its own.
type Extractor struct {
	p      Params
	win    []float64
	carry  []float64
	scaled []float64 // windowed-frame scratch, reused across frames

	frames [][]float64

	samples   int64
	nonFinite int64
}

func NewExtractor(p Params) *Extractor {
	return &Extractor{
		p:      p,
		win:    window.Hann(p.WindowSize),
		carry:  make([]float64, 0, p.WindowSize*2),
		scaled: make([]float64, p.WindowSize),
	}
}

// Write feeds a chunk of samples into the stream. Non-finite samples are
// zeroed and counted; the corruption verdict is made in Peaks once the
// whole stream has been seen.
func (e *Extractor) Write(chunk []float64) {
	e.samples += int64(len(chunk))

	start := len(e.carry)
	e.carry = append(e.carry, chunk...)
	for i := start; i < len(e.carry); i++ {
		if math.IsNaN(e.carry[i]) || math.IsInf(e.carry[i], 0) {
			e.carry[i] = 0
			e.nonFinite++
		}
	}

	w, h := e.p.WindowSize, e.p.HopSize
	for len(e.carry) >= w {
		for i := 0; i < w; i++ {
			e.scaled[i] = e.carry[i] * e.win[i]
		}
		spectrum := fft.FFTReal(e.scaled)

		frame := make([]float64, w/2)
		for i := range frame {
			re, im := real(spectrum[i]), imag(spectrum[i])
			frame[i] = math.Log1p(math.Hypot(re, im))
		}
		e.frames = append(e.frames, frame)

		e.carry = e.carry[:copy(e.carry, e.carry[h:])]
	}
}

// FrameCount reports how many STFT frames the stream produced so far.
func (e *Extractor) FrameCount() uint32 {
	return uint32(len(e.frames))
}

// Frames exposes the accumulated log-magnitude spectrogram.
func (e *Extractor) Frames() [][]float64 {
	return e.frames
}

// Peaks runs peak extraction over everything written so far. An input
// shorter than one window yields no peaks and no error; a stream whose
// non-finite ratio exceeds the tolerance fails with ErrCorruptInput.
func (e *Extractor) Peaks() ([]Peak, error) {
	if e.samples > 0 && float64(e.nonFinite)/float64(e.samples) > e.p.MaxNonFiniteRatio {
		return nil, ErrCorruptInput
	}
	return extractPeaks(e.frames, e.p), nil
}

// Spectrogram is the one-shot convenience over Extractor for callers
// holding the whole signal in memory.
func Spectrogram(samples []float64, p Params) ([][]float64, error) {
	e := NewExtractor(p)
	e.Write(samples)
	if e.samples > 0 && float64(e.nonFinite)/float64(e.samples) > p.MaxNonFiniteRatio {
		return nil, ErrCorruptInput
	}
	return e.frames, nil
}
