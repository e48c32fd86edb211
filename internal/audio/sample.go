package audio

import (
	"encoding/binary"
	"math"
)

// byteOrder returns the byte order used for samples of f
func byteOrder(f Format) binary.ByteOrder {
	if f.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decodeSample reads one sample from b and normalizes it to [-1, 1]
func decodeSample(b []byte, f Format) float64 {
	order := byteOrder(f)

	if f.Encoding == PCMFloat {
		if len(b) >= 8 && f.SampleSizeBits == 64 {
			return math.Float64frombits(order.Uint64(b))
		}
		return float64(math.Float32frombits(order.Uint32(b)))
	}

	width := len(b)
	var raw uint64
	for i := 0; i < width; i++ {
		var v byte
		if f.BigEndian {
			v = b[i]
		} else {
			v = b[width-1-i]
		}
		raw = raw<<8 | uint64(v)
	}

	bits := uint(width * 8)
	half := float64(uint64(1) << (bits - 1))

	if f.Encoding == PCMUnsigned {
		return (float64(raw) - half) / half
	}

	shift := 64 - bits
	signed := int64(raw<<shift) >> shift
	return float64(signed) / half
}

// encodeSample writes v, clamped to [-1, 1], into b
func encodeSample(b []byte, f Format, v float64) {
	v = math.Max(-1, math.Min(1, v))
	order := byteOrder(f)

	if f.Encoding == PCMFloat {
		if len(b) >= 8 && f.SampleSizeBits == 64 {
			order.PutUint64(b, math.Float64bits(v))
			return
		}
		order.PutUint32(b, math.Float32bits(float32(v)))
		return
	}

	width := len(b)
	bits := uint(width * 8)
	peak := float64(uint64(1)<<(bits-1) - 1)

	scaled := int64(math.Round(v * peak))
	raw := uint64(scaled)
	if f.Encoding == PCMUnsigned {
		raw = uint64(scaled + int64(uint64(1)<<(bits-1)))
	}

	for i := 0; i < width; i++ {
		shiftBy := uint(i * 8)
		if f.BigEndian {
			b[width-1-i] = byte(raw >> shiftBy)
		} else {
			b[i] = byte(raw >> shiftBy)
		}
	}
}
