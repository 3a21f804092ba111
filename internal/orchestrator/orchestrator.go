// Package orchestrator is the C7 Core Orchestrator: the public API
// surface (Load, Attach, Detach, Unload, Get, List, PullImage) that
// coordinates the Image Resolver (C2), Kernel Bridge (C4), Program
// Registry (C3), Dispatcher Engine (C6) and Namespace Helper (C5),
// enforces the data-model invariants in spec.md §3, and performs
// startup reconciliation.
package orchestrator

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/bpfman/bpfman-core/internal/dispatcher"
	"github.com/bpfman/bpfman-core/internal/kernel"
	"github.com/bpfman/bpfman-core/internal/nsattach"
	"github.com/bpfman/bpfman-core/internal/ociimage"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// Orchestrator is the daemon's single instance of C7. One value is
// constructed at bootstrap and shared by every RPC Frontend connection;
// nothing in it is a package-level global.
type Orchestrator struct {
	reg      *registry.Registry
	bridge   *kernel.Bridge
	engine   *dispatcher.Engine
	resolver *ociimage.Resolver
	nsHelper *nsattach.Helper
	pidRes   nsattach.PIDResolver

	pinRoot string
	log     logr.Logger

	// tableMu is the single reader-writer lock spec.md §5 describes
	// guarding the in-memory program table: Get/List take the read
	// side, every mutating operation takes the write side. It does not
	// protect C6's per-slot dispatcher mutex, which the Engine owns
	// independently, nor C1, which is linearizable on its own.
	tableMu sync.RWMutex

	// probeLinkHandles maps a persisted Link id to the Kernel Bridge's
	// own opaque kernel-link id for every non-dispatched attach kind
	// (Tracepoint, K*probe, U*probe, Fentry, Fexit, TCX). Dispatched
	// kinds (XDP, TC) never appear here — their kernel-side membership
	// lives entirely inside the Engine's per-slot state.
	probeLinkHandles map[uint32]uint32
}

// Config bundles the dependencies the Orchestrator coordinates.
// PIDResolver and NSHelper may be nil when the daemon never serves
// container-scoped uprobe attaches.
type Config struct {
	Registry    *registry.Registry
	Bridge      *kernel.Bridge
	Engine      *dispatcher.Engine
	Resolver    *ociimage.Resolver
	NSHelper    *nsattach.Helper
	PIDResolver nsattach.PIDResolver
	PinRoot     string
	Log         logr.Logger
}

// New builds an Orchestrator over explicitly supplied handles — no
// lazy re-initialization, per the "pass handles in explicitly" design
// note in spec.md §9.
func New(cfg Config) *Orchestrator {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Orchestrator{
		reg:              cfg.Registry,
		bridge:           cfg.Bridge,
		engine:           cfg.Engine,
		resolver:         cfg.Resolver,
		nsHelper:         cfg.NSHelper,
		pidRes:           cfg.PIDResolver,
		pinRoot:          cfg.PinRoot,
		log:              log,
		probeLinkHandles: make(map[uint32]uint32),
	}
}
