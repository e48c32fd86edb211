// Package stream carries live PCM audio between nodes.
//
// An AudioServer captures audio once and fans it out to one AudioConnection per
// client, each with its own elastic buffer and send loop, so a slow client only
// delays itself. An AudioClient connects to a chosen server, decodes the framed
// stream and plays it, reconnecting on failure and re-evaluating immediately when
// its server or settings change.
package stream
