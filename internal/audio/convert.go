package audio

import "fmt"

// Convert re-encodes interleaved PCM from src to dst. Both formats must have the
// same channel count; the sample rate is not changed. Identical sample layouts
// are copied unchanged.
func Convert(data []byte, src, dst Format) ([]byte, error) {
	if src.Channels != dst.Channels {
		return nil, fmt.Errorf("cannot convert %d channels to %d", src.Channels, dst.Channels)
	}
	if src.Encoding == dst.Encoding && src.SampleSizeBits == dst.SampleSizeBits &&
		src.FrameSize == dst.FrameSize && (src.BigEndian == dst.BigEndian || src.BytesPerSample() == 1) {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	inWidth, outWidth := src.BytesPerSample(), dst.BytesPerSample()
	// Same encoding and width only needs a byte order change, which is exact
	reorder := src.Encoding == dst.Encoding && inWidth == outWidth
	swap := src.BigEndian != dst.BigEndian

	frames := len(data) / src.FrameSize
	out := make([]byte, frames*dst.FrameSize)

	for i := 0; i < frames; i++ {
		for ch := 0; ch < src.Channels; ch++ {
			in := data[i*src.FrameSize+ch*inWidth:][:inWidth]
			o := out[i*dst.FrameSize+ch*outWidth:][:outWidth]
			switch {
			case reorder && swap:
				for j := range in {
					o[j] = in[inWidth-1-j]
				}
			case reorder:
				copy(o, in)
			default:
				encodeSample(o, dst, decodeSample(in, src))
			}
		}
	}
	return out, nil
}
