package media

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
)

// PatternCamera renders a moving colour-bar test pattern. It backs the mock
// camera backend and tests.
type PatternCamera struct {
	width, height int
	quality       int

	mu    sync.Mutex
	open  bool
	frame int
}

// NewPatternCamera returns a width x height test pattern camera.
func NewPatternCamera(width, height, quality int) *PatternCamera {
	return &PatternCamera{width: width, height: height, quality: quality}
}

func (c *PatternCamera) Open() error {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	return nil
}

func (c *PatternCamera) Frame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, ErrNoCamera
	}

	bars := []color.RGBA{
		{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
		{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255},
	}
	img := image.NewRGBA(image.Rect(0, 0, c.width, c.height))
	barWidth := max(c.width/len(bars), 1)
	for y := 0; y < c.height; y++ {
		for x := 0; x < c.width; x++ {
			i := ((x + c.frame*barWidth/4) / barWidth) % len(bars)
			img.SetRGBA(x, y, bars[i])
		}
	}
	c.frame++

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("media: encode pattern: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *PatternCamera) Close() error {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	return nil
}
