//go:build gocv

package media

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// DeviceCamera captures from a local video device through OpenCV.
type DeviceCamera struct {
	device  int
	quality int

	mu  sync.Mutex
	vc  *gocv.VideoCapture
	img gocv.Mat
}

// NewDeviceCamera returns a camera for the given device index. quality is
// the JPEG quality in 1..100.
func NewDeviceCamera(device, quality int) *DeviceCamera {
	return &DeviceCamera{device: device, quality: quality}
}

// Open acquires the device.
func (c *DeviceCamera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc != nil {
		return nil
	}
	vc, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		return fmt.Errorf("%w: device %d: %v", ErrNoCamera, c.device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("%w: device %d", ErrNoCamera, c.device)
	}
	c.vc = vc
	c.img = gocv.NewMat()
	return nil
}

// Frame reads one frame and encodes it as JPEG.
func (c *DeviceCamera) Frame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil, ErrNoCamera
	}
	if ok := c.vc.Read(&c.img); !ok || c.img.Empty() {
		return nil, fmt.Errorf("media: read frame from device %d", c.device)
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, c.img, []int{int(gocv.IMWriteJpegQuality), c.quality})
	if err != nil {
		return nil, fmt.Errorf("media: encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// Close releases the device.
func (c *DeviceCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.vc == nil {
		return nil
	}
	c.img.Close()
	err := c.vc.Close()
	c.vc = nil
	return err
}
