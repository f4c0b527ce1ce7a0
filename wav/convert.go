package wav

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ofinucan7/abracadabra/utils"
)

// Metadata is the subset of container tags the indexer cares about.
type Metadata struct {
	Title    string
	Artist   string
	Duration float64
}

// ConvertToWAV transcodes any input ffmpeg understands into a mono
// 16-bit PCM WAV at the given sample rate, returning the output path.
func ConvertToWAV(inputPath string, sampleRate int) (string, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("input file does not exist: %v", err)
	}

	fileExt := filepath.Ext(inputPath)
	outputFile := strings.TrimSuffix(inputPath, fileExt) + ".wav"

	// Output file may already exist. If it does FFmpeg will fail as
	// it cannot edit existing files in-place. Use a temporary file.
	tmpFile := filepath.Join(filepath.Dir(outputFile), "tmp_"+filepath.Base(outputFile))
	defer os.Remove(tmpFile)

	cmd := exec.Command(
		"ffmpeg",
		"-y",
		"-i", inputPath,
		"-c", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		tmpFile,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to convert to WAV: %v, output %s", err, output)
	}

	if err := utils.MoveFile(tmpFile, outputFile); err != nil {
		return "", fmt.Errorf("failed to rename temporary file to output file: %v", err)
	}
	return outputFile, nil
}

// ExtractChunkAsWAV extracts a time segment from any audio file as a
// mono 16-bit PCM WAV at the given rate. The result is a small temp
// file bounded by durationSec regardless of input size.
func ExtractChunkAsWAV(inputPath string, startSec, durationSec float64, sampleRate int) (string, error) {
	if err := utils.CreateFolder("tmp"); err != nil {
		return "", err
	}

	outputFile := filepath.Join("tmp", fmt.Sprintf("chunk_%d_%.0f.wav", time.Now().UnixNano(), startSec))

	cmd := exec.Command(
		"ffmpeg", "-y",
		"-ss", fmt.Sprintf("%.3f", startSec),
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-i", inputPath,
		"-c", "pcm_s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		outputFile,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg chunk extraction failed: %v, output: %s", err, output)
	}
	return outputFile, nil
}

// GetAudioDuration returns the duration in seconds of any audio file by
// calling ffprobe.
func GetAudioDuration(inputPath string) (float64, error) {
	cmd := exec.Command(
		"ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe duration query failed: %v", err)
	}
	return strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
}

// GetMetadata reads container tags via ffprobe's JSON output.
func GetMetadata(inputPath string) (Metadata, error) {
	cmd := exec.Command(
		"ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe metadata query failed: %v", err)
	}

	doc := string(out)
	return Metadata{
		Title:    gjson.Get(doc, "format.tags.title").String(),
		Artist:   gjson.Get(doc, "format.tags.artist").String(),
		Duration: gjson.Get(doc, "format.duration").Float(),
	}, nil
}

// ChunkSource streams a long audio file as successive PCM chunks, each
// extracted on demand with ffmpeg, so memory stays proportional to the
// chunk length rather than the file. Chunks are back to back; the
// extractor's sample carry keeps frames straddling a boundary intact.
type ChunkSource struct {
	path       string
	sampleRate int
	chunkSec   float64
	duration   float64
	pos        float64
}

// NewChunkSource probes the file's duration and prepares a sequential
// chunk reader. chunkSec <= 0 reads the whole file as one chunk.
func NewChunkSource(path string, sampleRate int, chunkSec float64) (*ChunkSource, error) {
	duration, err := GetAudioDuration(path)
	if err != nil {
		return nil, err
	}
	if chunkSec <= 0 {
		chunkSec = duration
	}
	return &ChunkSource{
		path:       path,
		sampleRate: sampleRate,
		chunkSec:   chunkSec,
		duration:   duration,
	}, nil
}

// NextChunk extracts and decodes the next segment. io.EOF marks the end
// of the file.
func (s *ChunkSource) NextChunk() ([]float64, error) {
	if s.pos >= s.duration {
		return nil, io.EOF
	}
	dur := s.chunkSec
	if s.pos+dur > s.duration {
		dur = s.duration - s.pos
	}

	chunkPath, err := ExtractChunkAsWAV(s.path, s.pos, dur, s.sampleRate)
	if err != nil {
		return nil, err
	}
	info, err := ReadWAVFile(chunkPath)
	os.Remove(chunkPath)
	if err != nil {
		return nil, err
	}

	s.pos += dur
	return info.Samples, nil
}
