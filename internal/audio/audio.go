// Package audio encodes and decodes the PCM16/24kHz/mono WAV segments
// AudioSegment carries between Synthesize and the Broadcast Hub.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// seekableBuffer is an in-memory io.WriteSeeker, needed because
// wav.NewEncoder requires Seek (to rewrite the header) and bytes.Buffer
// does not implement it.
type seekableBuffer struct {
	buf []byte
	pos int
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int
	switch whence {
	case io.SeekStart:
		newPos = int(offset)
	case io.SeekCurrent:
		newPos = s.pos + int(offset)
	case io.SeekEnd:
		newPos = len(s.buf) + int(offset)
	default:
		return 0, errors.New("seekableBuffer: invalid whence")
	}
	if newPos < 0 {
		return 0, errors.New("seekableBuffer: negative position")
	}
	s.pos = newPos
	return int64(newPos), nil
}

const (
	SampleRate = 24000
	BitDepth   = 16
	Channels   = 1
)

// EncodeWAV wraps raw little-endian PCM16 samples in a WAV container at
// the fixed 24kHz/mono format AudioSegment requires.
func EncodeWAV(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("encode wav: pcm byte length %d is not a whole number of 16-bit samples", len(pcm))
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		lo, hi := pcm[2*i], pcm[2*i+1]
		v := int16(uint16(lo) | uint16(hi)<<8)
		samples[i] = int(v)
	}

	var buf seekableBuffer
	enc := wav.NewEncoder(&buf, SampleRate, BitDepth, Channels, 1)
	intBuf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: Channels, SampleRate: SampleRate},
		Data:           samples,
		SourceBitDepth: BitDepth,
	}
	if err := enc.Write(intBuf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	return buf.buf, nil
}

// Duration returns the playback length of raw PCM16 samples at the
// fixed sample rate/channel count, for the wire protocol's duration
// field and the §8 duration-within-5%-of-estimate-sum check.
func Duration(pcm []byte) float64 {
	samples := len(pcm) / 2 / Channels
	return float64(samples) / float64(SampleRate)
}

// DecodeWAV reverses EncodeWAV, returning the raw little-endian PCM16
// samples and validating the format matches the fixed 24kHz/mono/16-bit
// contract.
func DecodeWAV(wavBytes []byte) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(wavBytes))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("decode wav: not a valid wav file")
	}
	if int(dec.SampleRate) != SampleRate || int(dec.NumChans) != Channels || int(dec.BitDepth) != BitDepth {
		return nil, fmt.Errorf("decode wav: expected %dHz/%d-bit/%dch, got %dHz/%d-bit/%dch",
			SampleRate, BitDepth, Channels, dec.SampleRate, dec.BitDepth, dec.NumChans)
	}

	pcm := make([]byte, 0, len(buf.Data)*2)
	for _, s := range buf.Data {
		v := int16(s)
		pcm = append(pcm, byte(v), byte(v>>8))
	}
	return pcm, nil
}
