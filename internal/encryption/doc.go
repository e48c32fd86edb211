// Package encryption provides the optional shared-secret payload encryption for audio
// streams and the verification token a server advertises so clients can check that
// they hold the same secret without either side revealing it.
package encryption
