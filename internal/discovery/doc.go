// Package discovery finds other nodes on the LAN and keeps an index of them.
//
// A Service periodically multicasts a DiscoveryRequest carrying its control port,
// answers requests with a unicast DiscoveryResponse describing itself, and records
// every response in an Index. Auto-discovered servers that stay silent past the
// staleness threshold are purged; manually added servers are kept and re-requested
// directly. Manual entries can be persisted to disk and nodes can also be found
// through mDNS.
package discovery
