// Package device describes the compute devices a compilation can target.
//
// The reference backend exposes a single CPU device.
package device

import (
	"fmt"

	"github.com/gomlx/go-nnapi/nn"
	"github.com/pkg/errors"
)

// Type of device.
type Type int32

const (
	Unknown Type = iota
	Other
	CPU
	GPU
	Accelerator
)

func (t Type) String() string {
	switch t {
	case Unknown:
		return "UNKNOWN"
	case Other:
		return "OTHER"
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	case Accelerator:
		return "ACCELERATOR"
	}
	return fmt.Sprintf("Type(%d)", int32(t))
}

// FeatureLevel is the API level the devices implement.
const FeatureLevel = 29

// Device is a compute device.
type Device struct {
	Name         string
	Version      string
	Type         Type
	FeatureLevel int64
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%s (%s, version %s)", d.Name, d.Type, d.Version)
}

var referenceCPU = &Device{
	Name:         "nnapi-ref-cpu",
	Version:      "1.0.0",
	Type:         CPU,
	FeatureLevel: FeatureLevel,
}

// Count returns the number of available devices.
func Count() int {
	return 1
}

// Get returns the device at idx.
func Get(idx int) (*Device, error) {
	if idx < 0 || idx >= Count() {
		return nil, errors.Wrapf(nn.ErrBadData, "device index %d out of range, %d device(s) available", idx, Count())
	}
	return referenceCPU, nil
}

// Default returns the device used when a compilation doesn't select one.
func Default() *Device {
	return referenceCPU
}
