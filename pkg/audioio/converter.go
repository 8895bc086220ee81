package audioio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Converter converts a continuous mono stream between sample rates. It is
// used when a device cannot open at the pipeline rate.
type Converter struct {
	inRate    int
	outRate   int
	resampler resampling.Resampler
	input     []float64
}

// NewConverter creates a converter from inRate to outRate. When the rates
// are equal the converter passes samples through.
func NewConverter(inRate, outRate int) (*Converter, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audioio: invalid converter rates %d -> %d", inRate, outRate)
	}
	c := &Converter{inRate: inRate, outRate: outRate}
	if inRate == outRate {
		return c, nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audioio: create resampler: %w", err)
	}
	c.resampler = r
	return c, nil
}

// Passthrough reports whether the converter leaves samples unchanged.
func (c *Converter) Passthrough() bool {
	return c.resampler == nil
}

// Rates returns the input and output sample rates.
func (c *Converter) Rates() (in, out int) {
	return c.inRate, c.outRate
}

// Process converts the next block of the stream. The resampler keeps
// filter state between calls, so output length may lag input at first.
func (c *Converter) Process(in []float32) ([]float32, error) {
	if c.resampler == nil {
		out := make([]float32, len(in))
		copy(out, in)
		return out, nil
	}

	if cap(c.input) < len(in) {
		c.input = make([]float64, len(in))
	}
	c.input = c.input[:len(in)]
	for i, s := range in {
		c.input[i] = float64(s)
	}

	res, err := c.resampler.Process(c.input)
	if err != nil {
		return nil, fmt.Errorf("audioio: resample: %w", err)
	}

	out := make([]float32, len(res))
	for i, s := range res {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		out[i] = float32(s)
	}
	return out, nil
}
