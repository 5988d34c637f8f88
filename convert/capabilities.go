package convert

import (
	"github.com/gomlx/go-nnapi/device"
	"github.com/gomlx/go-nnapi/nn"
)

// SupportedOperations returns the capabilities of the reference backend on the
// given devices. A new table is returned on every call, callers may modify it.
//
// Every device runs the same host evaluator, so all of them support the whole
// vocabulary. An empty device list supports nothing.
func SupportedOperations(devices []*device.Device) nn.Capabilities {
	caps := nn.Capabilities{
		Operations:   make(map[nn.OperationCode]bool, nn.OperationCount),
		OperandCodes: make(map[nn.OperandCode]bool),
	}
	if len(devices) == 0 {
		return caps
	}
	for code := range nn.OperationCount {
		_, ok := lowerers[code]
		caps.Operations[code] = ok
	}
	for code := nn.Bool; code < nn.InvalidOperand; code++ {
		_, err := backendDType(code)
		caps.OperandCodes[code] = err == nil
	}
	return caps
}
