// Package device plays audio on the local output device. It needs cgo and an
// audio backend, so only the command imports it.
package device
