//go:build !gocv

package media

// DeviceCamera is unavailable without OpenCV; build with -tags gocv.
type DeviceCamera struct {
	device int
}

// NewDeviceCamera returns a camera that always reports ErrNoCamera.
func NewDeviceCamera(device, quality int) *DeviceCamera {
	return &DeviceCamera{device: device}
}

func (c *DeviceCamera) Open() error            { return ErrNoCamera }
func (c *DeviceCamera) Frame() ([]byte, error) { return nil, ErrNoCamera }
func (c *DeviceCamera) Close() error           { return nil }
