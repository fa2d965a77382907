package audio

import (
	"bytes"
	"testing"
)

func sineish(n int) []byte {
	pcm := make([]byte, n*2)
	v := int16(0)
	for i := 0; i < n; i++ {
		v += 137
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return pcm
}

func TestEncodeDecodeWAVRoundTrip(t *testing.T) {
	original := sineish(2400)

	wavBytes, err := EncodeWAV(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeWAV(wavBytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !bytes.Equal(original, decoded) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(decoded), len(original))
	}
}

func TestDecodedDurationMatchesSumOfEstimatesWithinFivePercent(t *testing.T) {
	estimates := []float64{2.5, 3.0, 1.75}
	var totalEstimate, totalActual float64
	for _, secs := range estimates {
		totalEstimate += secs
		samples := int(secs * float64(SampleRate))
		pcm := sineish(samples)

		wavBytes, err := EncodeWAV(pcm)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		decoded, err := DecodeWAV(wavBytes)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		totalActual += Duration(decoded)
	}

	tolerance := 0.05 * totalEstimate
	if diff := totalActual - totalEstimate; diff > tolerance || diff < -tolerance {
		t.Fatalf("decoded duration %.3fs not within 5%% of estimate sum %.3fs", totalActual, totalEstimate)
	}
}

func TestEncodeWAVRejectsOddByteLength(t *testing.T) {
	if _, err := EncodeWAV([]byte{0x01}); err == nil {
		t.Fatal("expected error for odd-length pcm input")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("not a wav file")); err == nil {
		t.Fatal("expected error decoding non-wav bytes")
	}
}
