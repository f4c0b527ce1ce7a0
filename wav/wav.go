package wav

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Info holds a decoded mono PCM stream.
type Info struct {
	SampleRate int
	Samples    []float64
	Duration   float64
}

// ReadWAVFile decodes a WAV file into normalized mono float64 samples.
// Multi-channel audio is downmixed by averaging channels.
func ReadWAVFile(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file: %v", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav data: %v", err)
	}

	bitDepth := int(decoder.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	samples, err := downmix(buf, bitDepth)
	if err != nil {
		return nil, err
	}

	return &Info{
		SampleRate: buf.Format.SampleRate,
		Samples:    samples,
		Duration:   float64(len(samples)) / float64(buf.Format.SampleRate),
	}, nil
}

// downmix averages the buffer's channels into normalized mono floats.
func downmix(buf *audio.IntBuffer, bitDepth int) ([]float64, error) {
	channels := buf.Format.NumChannels
	if channels < 1 {
		return nil, fmt.Errorf("wav file reports %d channels", channels)
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	samples := make([]float64, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i*channels+ch])
		}
		samples[i] = sum / float64(channels) / scale
	}
	return samples, nil
}
