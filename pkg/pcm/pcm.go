// Package pcm converts between float audio samples and the wire form used by
// the realtime endpoint: base64-wrapped 16-bit little-endian mono PCM.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

// Fixed pipeline rates.
const (
	InputRate  = 16000 // microphone -> model
	OutputRate = 24000 // model -> speaker
)

// MIME types.
const (
	MIMEBase  = "audio/pcm"
	MIMEInput = "audio/pcm;rate=16000"
)

// Decode errors.
var (
	ErrEmptyPayload        = errors.New("pcm: empty payload")
	ErrTruncatedPayload    = errors.New("pcm: payload is not a whole number of 16-bit samples")
	ErrMissingMIMEType     = errors.New("pcm: missing MIME type")
	ErrUnsupportedMIMEType = errors.New("pcm: unsupported MIME type")
)

// Blob is an inline media payload as carried on the wire.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64, standard alphabet
}

// NewBlob wraps raw bytes.
func NewBlob(mimeType string, raw []byte) Blob {
	return Blob{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(raw)}
}

// Bytes returns the decoded payload.
func (b Blob) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(b.Data)
}

// Buffer is a decoded mono audio buffer ready for playback.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Frames returns the number of samples.
func (b *Buffer) Frames() int {
	return len(b.Samples)
}

// Duration returns the playback length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// Encode clamps samples to [-1,1], converts them to signed 16-bit PCM and
// wraps the result with the capture MIME type.
func Encode(samples []float32) Blob {
	return NewBlob(MIMEInput, FloatToBytes(samples))
}

// EncodeInt16 wraps already-quantised samples with the capture MIME type.
func EncodeInt16(samples []int16) Blob {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return NewBlob(MIMEInput, raw)
}

// FloatToBytes converts float samples to little-endian PCM16. Negative
// values scale by 32768 and positive values by 32767.
func FloatToBytes(samples []float32) []byte {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(quantize(s)))
	}
	return raw
}

func quantize(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Decode validates b and converts it to a buffer at targetRate.
func Decode(b Blob, targetRate int) (*Buffer, error) {
	sourceRate, err := parseRate(b.MIMEType)
	if err != nil {
		return nil, err
	}
	raw, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("pcm: decode base64: %w", err)
	}
	return DecodePCM(raw, sourceRate, targetRate)
}

// DecodePCM converts raw PCM16 at sourceRate to a buffer at targetRate.
// Samples are linearly interpolated when the rates differ.
func DecodePCM(raw []byte, sourceRate, targetRate int) (*Buffer, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedPayload, len(raw))
	}
	samples := BytesToFloat(raw)
	if targetRate <= 0 {
		targetRate = sourceRate
	}
	return &Buffer{
		Samples:    Resample(samples, sourceRate, targetRate),
		SampleRate: targetRate,
	}, nil
}

// BytesToFloat converts little-endian PCM16 to floats in [-1,1). A trailing
// odd byte is ignored.
func BytesToFloat(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
	}
	return out
}

// parseRate accepts "audio/pcm" with an optional rate parameter.
func parseRate(mimeType string) (int, error) {
	if strings.TrimSpace(mimeType) == "" {
		return 0, ErrMissingMIMEType
	}
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMIMEType, mimeType)
	}
	if mediaType != MIMEBase {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMIMEType, mimeType)
	}
	rate, ok := params["rate"]
	if !ok {
		return OutputRate, nil
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: bad rate %q", ErrUnsupportedMIMEType, rate)
	}
	return n, nil
}
