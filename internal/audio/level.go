package audio

import "math"

// LevelMeter accumulates silence and energy statistics over PCM data.
// It is used by a single consumer and is not safe for concurrent use.
type LevelMeter struct {
	format    Format
	threshold float64 // normalized amplitude at or below which a sample is silent

	samples      uint64
	silent       uint64
	sumOfSquares float64
}

// LevelStats is a snapshot of a LevelMeter
type LevelStats struct {
	Samples        uint64  `json:"samples"`
	SilentSamples  uint64  `json:"silent_samples"`
	SilencePercent float64 `json:"silence_percent"`
	RMS            float64 `json:"rms"`
}

// NewLevelMeter creates a meter for the given format.
// With a zero threshold only exact digital silence counts as silent.
func NewLevelMeter(format Format, threshold float64) *LevelMeter {
	if threshold < 0 {
		threshold = 0
	}
	return &LevelMeter{format: format, threshold: threshold}
}

// Add measures data, ignoring a trailing partial sample
func (m *LevelMeter) Add(data []byte) {
	width := m.format.BytesPerSample()
	if width <= 0 {
		return
	}

	for off := 0; off+width <= len(data); off += width {
		v := decodeSample(data[off:off+width], m.format)
		m.samples++
		m.sumOfSquares += v * v
		if math.Abs(v) <= m.threshold {
			m.silent++
		}
	}
}

// Stats returns the statistics accumulated since the last reset
func (m *LevelMeter) Stats() LevelStats {
	stats := LevelStats{
		Samples:       m.samples,
		SilentSamples: m.silent,
	}
	if m.samples > 0 {
		stats.SilencePercent = float64(m.silent) / float64(m.samples) * 100
		stats.RMS = math.Sqrt(m.sumOfSquares / float64(m.samples))
	}
	return stats
}

// Reset clears the accumulated statistics
func (m *LevelMeter) Reset() {
	m.samples = 0
	m.silent = 0
	m.sumOfSquares = 0
}

// SilencePercent returns the percentage of silent samples in data
func SilencePercent(format Format, data []byte) float64 {
	meter := NewLevelMeter(format, 0)
	meter.Add(data)
	return meter.Stats().SilencePercent
}
