package discovery

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

const storeVersion = 1

// Deterministic encoding keeps the file stable across saves of the same list
var (
	storeEncMode cbor.EncMode
	storeDecMode cbor.DecMode
)

func init() {
	var err error
	storeEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("discovery: CBOR encoder initialization failed: " + err.Error())
	}
	storeDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("discovery: CBOR decoder initialization failed: " + err.Error())
	}
}

type storeFile struct {
	Version int      `cbor:"version"`
	Servers []string `cbor:"servers"`
}

// Store persists manually added servers
type Store struct {
	path string
}

// NewStore returns a store backed by path
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// Load reads the saved servers. A missing file is an empty list.
func (s *Store) Load() ([]netip.AddrPort, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read server store: %w", err)
	}

	var file storeFile
	if err := storeDecMode.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode server store %s: %w", s.path, err)
	}
	if file.Version != storeVersion {
		return nil, fmt.Errorf("unsupported server store version %d", file.Version)
	}

	addrs := make([]netip.AddrPort, 0, len(file.Servers))
	for _, raw := range file.Servers {
		addr, err := netip.ParseAddrPort(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid stored server %q: %w", raw, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Save replaces the stored list atomically
func (s *Store) Save(addrs []netip.AddrPort) error {
	file := storeFile{Version: storeVersion, Servers: make([]string, 0, len(addrs))}
	for _, addr := range addrs {
		file.Servers = append(file.Servers, addr.String())
	}

	data, err := storeEncMode.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to encode server store: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write server store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace server store: %w", err)
	}
	return nil
}
