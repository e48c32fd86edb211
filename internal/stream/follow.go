package stream

import (
	"context"
	"net/netip"

	"github.com/skypro1111/lan-audio-service/internal/discovery"
)

// Follow keeps client pointed at a server from index until ctx is done. With a
// valid target the client follows that server's entry; otherwise it follows the
// first server that broadcasts audio.
func Follow(ctx context.Context, client *AudioClient, index *discovery.Index, target netip.AddrPort) {
	events, unsubscribe := index.Subscribe()
	defer unsubscribe()

	client.SetServer(selectServer(index, target))
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			client.SetServer(selectServer(index, target))
		}
	}
}

func selectServer(index *discovery.Index, target netip.AddrPort) *discovery.RemoteServer {
	if target.IsValid() {
		if r, ok := index.Find(target); ok {
			return &r
		}
		return nil
	}

	for _, r := range index.All() {
		if r.HasAudio() {
			return &r
		}
	}
	return nil
}
