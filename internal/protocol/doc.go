// Package protocol implements the wire formats of the LAN audio service.
// Control packets (discovery requests and responses) use a magic-prefixed, typed,
// fixed-width field codec; the audio stream and TCP control channel use
// length-prefixed frames of [uint32 big-endian length][payload].
package protocol
