// Package rpc is the C8 RPC Frontend: it translates external requests
// into Orchestrator (C7) calls and nothing else. spec.md §4.8 scopes
// wire framing itself out of the daemon's core — no .proto-generated
// client/server stubs exist anywhere in this module — so the request
// and response shapes below carry exactly the fields the Orchestrator
// operations accept and return, and are transported over
// google.golang.org/grpc using a small JSON codec registered for that
// purpose (see codec.go) rather than the library's default
// protobuf-message codec.
package rpc

import (
	"github.com/bpfman/bpfman-core/internal/ociimage"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// LoadRequest mirrors orchestrator.LoadRequest.
type LoadRequest struct {
	Source registry.Source

	PullPolicy ociimage.PullPolicy
	AuthUser   string
	AuthPass   string

	Programs []ProgramSpec
	Globals  map[string][]byte
	Metadata map[string]string

	Application string

	HasMapOwner bool
	MapOwnerID  uint32
}

// ProgramSpec mirrors orchestrator.ProgramSpec.
type ProgramSpec struct {
	Kind     registry.Kind
	Function string
	AttachTo string
}

// LoadResponse carries the ids assigned to every program in the batch,
// in the same order as the request's Programs.
type LoadResponse struct {
	ProgramIDs []uint32
}

// AttachRequest attaches an already-loaded program to one hook point.
type AttachRequest struct {
	ProgramID uint32
	Link      registry.Link
}

// AttachResponse carries the new Link's id.
type AttachResponse struct {
	LinkID uint32
}

// DetachRequest names the Link to tear down.
type DetachRequest struct {
	LinkID uint32
}

// UnloadRequest names the Program to remove.
type UnloadRequest struct {
	ProgramID uint32
}

// GetProgramRequest/Response round-trip a single Program by id.
type GetProgramRequest struct {
	ProgramID uint32
}

type GetProgramResponse struct {
	Program registry.Program
}

// GetLinkRequest/Response round-trip a single Link by id.
type GetLinkRequest struct {
	LinkID uint32
}

type GetLinkResponse struct {
	Link registry.Link
}

// ListProgramsRequest mirrors orchestrator.ProgramFilter.
type ListProgramsRequest struct {
	Kind          registry.Kind
	Application   string
	MetadataKey   string
	MetadataValue string
	All           bool
}

type ListProgramsResponse struct {
	Programs []registry.Program
}

// ListLinksRequest mirrors orchestrator.LinkFilter.
type ListLinksRequest struct {
	Kind        registry.Kind
	Application string
}

type ListLinksResponse struct {
	Links []registry.Link
}

// PullImageRequest resolves (and caches) a bytecode image without
// loading anything from it.
type PullImageRequest struct {
	URL        string
	PullPolicy ociimage.PullPolicy
	AuthUser   string
	AuthPass   string
}

type PullImageResponse struct {
	Image ociimage.ImageEntry
}

func authOf(user, pass string) *ociimage.Auth {
	if user == "" && pass == "" {
		return nil
	}
	return &ociimage.Auth{Username: user, Password: pass}
}
