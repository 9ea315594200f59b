package tensor

import "fmt"

// DeviceKind identifies a device family.
type DeviceKind uint8

// Supported device families.
const (
	CPU DeviceKind = iota
	Accel
)

// String returns a human-readable device family name.
func (k DeviceKind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case Accel:
		return "accel"
	default:
		return fmt.Sprintf("device(%d)", k)
	}
}

// Device identifies a specific device (family + ordinal).
type Device struct {
	Kind  DeviceKind
	Index int
}

// HostDevice is the CPU device that owns host memory.
var HostDevice = Device{Kind: CPU}

// AccelDevice returns the accelerator with the given ordinal.
func AccelDevice(index int) Device { return Device{Kind: Accel, Index: index} }

// String formats the device as kind or kind:index.
func (d Device) String() string {
	if d.Kind == CPU && d.Index == 0 {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}
