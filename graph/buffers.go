package graph

import (
	"encoding/binary"
	"math"
	"sync"
)

// Intermediate values are held as flat float64 slices, which represent every
// supported dtype exactly. They are rounded to the node dtype after each node
// is computed.
var bufferPools sync.Map // length -> *sync.Pool

// getBufferPool for given length.
func getBufferPool(length int) *sync.Pool {
	pool, ok := bufferPools.Load(length)
	if !ok {
		pool, _ = bufferPools.LoadOrStore(length, &sync.Pool{
			New: func() any {
				buf := make([]float64, length)
				return &buf
			},
		})
	}
	return pool.(*sync.Pool)
}

// getBuffer returns a buffer of the given length.
// Important: it's not necessarily initialized with zero, since it can reuse old buffers.
func getBuffer(length int) []float64 {
	return *getBufferPool(length).Get().(*[]float64)
}

// getZeroBuffer returns a buffer of the given length filled with zeros.
func getZeroBuffer(length int) []float64 {
	buf := getBuffer(length)
	clear(buf)
	return buf
}

// putBuffer back into the pool. After this any references to buf should be dropped.
func putBuffer(buf []float64) {
	if len(buf) == 0 {
		return
	}
	getBufferPool(len(buf)).Put(&buf)
}

// roundTo converts v to the nearest value representable in dtype.
// U8 holds booleans, so any non-zero value becomes 1.
func roundTo(dtype DType, v float64) float64 {
	switch dtype {
	case F32:
		return float64(float32(v))
	case I32:
		return float64(int32(v))
	case U32:
		if v < 0 {
			return float64(uint32(int64(v)))
		}
		return float64(uint32(v))
	case U8:
		if v != 0 {
			return 1
		}
		return 0
	}
	return v
}

// decodeBytes converts little-endian bytes of the given dtype to float64 values.
func decodeBytes(dtype DType, data []byte, dst []float64) {
	switch dtype {
	case F32:
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case I32:
		for i := range dst {
			dst[i] = float64(int32(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case U32:
		for i := range dst {
			dst[i] = float64(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case U8:
		for i := range dst {
			dst[i] = float64(data[i])
		}
	}
}

// encodeValues converts float64 values to little-endian bytes of the given dtype.
func encodeValues(dtype DType, values []float64) []byte {
	data := make([]byte, len(values)*dtype.Size())
	switch dtype {
	case F32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(v)))
		}
	case I32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(v)))
		}
	case U32:
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
		}
	case U8:
		for i, v := range values {
			data[i] = byte(v)
		}
	}
	return data
}

// Float32Bytes encodes values as little-endian f32 bytes.
func Float32Bytes(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

// BytesToFloat32 decodes little-endian f32 bytes. Trailing bytes are ignored.
func BytesToFloat32(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values
}

// Int32Bytes encodes values as little-endian i32 bytes.
func Int32Bytes(values ...int32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return data
}
