package nn

import "maps"

// Capabilities holds mappings of what is supported by a backend for a set of devices.
//
// It is a plain value: build one (see convert.SupportedOperations) and pass it to
// whoever needs to query it.
type Capabilities struct {
	// Operations supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	Operations map[OperationCode]bool

	// OperandCodes lists the operand element kinds supported by a backend.
	// If not listed, it's assumed to be false, hence not supported.
	OperandCodes map[OperandCode]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.Operations = make(map[OperationCode]bool, len(c.Operations))
	maps.Copy(c2.Operations, c.Operations)
	c2.OperandCodes = make(map[OperandCode]bool, len(c.OperandCodes))
	maps.Copy(c2.OperandCodes, c.OperandCodes)
	return c2
}

// Supports returns whether the operation code is supported.
func (c Capabilities) Supports(code OperationCode) bool {
	return c.Operations[code]
}
