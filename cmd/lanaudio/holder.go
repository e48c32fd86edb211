package main

import (
	"sync/atomic"

	"github.com/skypro1111/lan-audio-service/internal/config"
)

// configHolder keeps the latest valid configuration for the API
type configHolder struct {
	p atomic.Pointer[config.Config]
}

func newConfigHolder(cfg *config.Config) *configHolder {
	h := &configHolder{}
	h.p.Store(cfg)
	return h
}

func (h *configHolder) get() *config.Config {
	return h.p.Load()
}

func (h *configHolder) set(cfg *config.Config) {
	h.p.Store(cfg)
}
