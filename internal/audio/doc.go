// Package audio handles PCM formats, capture sources, playback sinks and buffering.
// It provides the ElasticBuffer that decouples the capture rate from each client's
// network write rate, the CaptureHub fanning one source out to many buffers,
// WAV encoding and decoding, and a LevelMeter for silence statistics.
package audio
