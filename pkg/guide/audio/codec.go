// Package audio converts between the float32 samples produced and consumed by
// local audio graphs and the 16-bit little-endian PCM carried on the wire.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/vango-go/argonauts-live/pkg/core"
)

const (
	// InputSampleRate is the capture rate sent to the remote model.
	InputSampleRate = 16000
	// OutputSampleRate is the rate of audio the remote model returns.
	OutputSampleRate = 24000
	// BlockSize is the number of mono samples per uplink block.
	BlockSize = 4096

	// InputMIMEType tags uplink blocks.
	InputMIMEType = "audio/pcm;rate=16000"
)

// QuantizeSample clips s to [-1, 1] and scales it asymmetrically so that -1
// maps to -32768 and 1 maps to 32767. NaN maps to 0.
func QuantizeSample(s float32) int16 {
	if s != s {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 0x8000))
	}
	return int16(math.Round(float64(s) * 0x7fff))
}

// Float32ToPCM16 encodes samples as little-endian signed 16-bit PCM.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(QuantizeSample(s)))
	}
	return out
}

// PCM16ToFloat32 decodes little-endian signed 16-bit PCM, dividing by 32768.
// An odd byte count is a decode failure.
func PCM16ToFloat32(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, core.NewDecodeError(fmt.Sprintf("pcm length %d is not a multiple of 2", len(pcm)), nil)
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}

// EncodeBase64Block encodes samples to base64 PCM16.
func EncodeBase64Block(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Float32ToPCM16(samples))
}

// DecodeBase64PCM16 decodes a base64 PCM16 payload into float32 samples.
func DecodeBase64PCM16(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, core.NewDecodeError("invalid base64 audio", err)
	}
	return PCM16ToFloat32(raw)
}

// BytesToFloat32 decodes little-endian IEEE-754 float32 samples.
func BytesToFloat32(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, core.NewDecodeError(fmt.Sprintf("f32le length %d is not a multiple of 4", len(raw)), nil)
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// Duration returns the playback length in seconds of n samples at rate.
func Duration(n, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(n) / float64(rate)
}
