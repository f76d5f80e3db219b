package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format describes a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Contract is the only audio format accepted on either side of the gateway:
// single-channel signed 16-bit little-endian PCM at 24 kHz.
var Contract = Format{SampleRate: 24000, Channels: 1, BitDepth: 16}

// Encoding is the contract's wire name.
const Encoding = "pcm16"

var (
	ErrEmptyChunk     = errors.New("audio chunk is empty")
	ErrChunkTooLarge  = errors.New("audio chunk exceeds size limit")
	ErrMisaligned     = errors.New("audio chunk is not aligned to whole samples")
	ErrUnsupportedFmt = errors.New("unsupported audio format")
)

func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitDepth / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerFrame()
}

// Duration converts a byte count to playback time.
func (f Format) Duration(n int64) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}

// CheckDeclared verifies an optionally declared format. Zero values mean
// "not declared" and are accepted.
func CheckDeclared(sampleRate, channels int, encoding string) error {
	if sampleRate != 0 && sampleRate != Contract.SampleRate {
		return fmt.Errorf("%w: sample rate %d, want %d", ErrUnsupportedFmt, sampleRate, Contract.SampleRate)
	}
	if channels != 0 && channels != Contract.Channels {
		return fmt.Errorf("%w: %d channels, want %d", ErrUnsupportedFmt, channels, Contract.Channels)
	}
	if enc := strings.ToLower(strings.TrimSpace(encoding)); enc != "" && enc != Encoding && enc != "pcm_s16le" {
		return fmt.Errorf("%w: encoding %q, want %q", ErrUnsupportedFmt, encoding, Encoding)
	}
	return nil
}

// CheckChunk validates a raw PCM chunk against the contract and a size limit.
func CheckChunk(pcm []byte, maxBytes int) error {
	if len(pcm) == 0 {
		return ErrEmptyChunk
	}
	if maxBytes > 0 && len(pcm) > maxBytes {
		return fmt.Errorf("%w: %d bytes > %d", ErrChunkTooLarge, len(pcm), maxBytes)
	}
	if len(pcm)%Contract.BytesPerFrame() != 0 {
		return ErrMisaligned
	}
	return nil
}
