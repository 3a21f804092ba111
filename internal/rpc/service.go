package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/bpfman/bpfman-core/internal/orchestrator"
	"github.com/bpfman/bpfman-core/internal/registry"
)

// handler implements every RPC this daemon serves, over an Orchestrator
// (C7) it never bypasses — the frontend holds no state of its own.
type handler struct {
	o *orchestrator.Orchestrator
}

func (h *handler) load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	specs := make([]orchestrator.ProgramSpec, len(req.Programs))
	for i, s := range req.Programs {
		specs[i] = orchestrator.ProgramSpec{Kind: s.Kind, Function: s.Function, AttachTo: s.AttachTo}
	}
	ids, err := h.o.Load(ctx, orchestrator.LoadRequest{
		Source:      req.Source,
		PullPolicy:  req.PullPolicy,
		Auth:        authOf(req.AuthUser, req.AuthPass),
		Programs:    specs,
		Globals:     req.Globals,
		Metadata:    req.Metadata,
		Application: req.Application,
		HasMapOwner: req.HasMapOwner,
		MapOwnerID:  req.MapOwnerID,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &LoadResponse{ProgramIDs: ids}, nil
}

func (h *handler) attach(ctx context.Context, req *AttachRequest) (*AttachResponse, error) {
	l := req.Link
	id, err := h.o.Attach(ctx, req.ProgramID, &l)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AttachResponse{LinkID: id}, nil
}

func (h *handler) detach(_ context.Context, req *DetachRequest) (*emptyResponse, error) {
	if err := h.o.Detach(req.LinkID); err != nil {
		return nil, toStatus(err)
	}
	return &emptyResponse{}, nil
}

func (h *handler) unload(_ context.Context, req *UnloadRequest) (*emptyResponse, error) {
	if err := h.o.Unload(req.ProgramID); err != nil {
		return nil, toStatus(err)
	}
	return &emptyResponse{}, nil
}

func (h *handler) getProgram(_ context.Context, req *GetProgramRequest) (*GetProgramResponse, error) {
	p, err := h.o.GetProgram(req.ProgramID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetProgramResponse{Program: *p}, nil
}

func (h *handler) getLink(_ context.Context, req *GetLinkRequest) (*GetLinkResponse, error) {
	l, err := h.o.GetLink(req.LinkID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetLinkResponse{Link: *l}, nil
}

func (h *handler) listPrograms(_ context.Context, req *ListProgramsRequest) (*ListProgramsResponse, error) {
	out, err := h.o.ListPrograms(orchestrator.ProgramFilter{
		Kind: req.Kind, Application: req.Application,
		MetadataKey: req.MetadataKey, MetadataValue: req.MetadataValue, All: req.All,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListProgramsResponse{Programs: make([]registry.Program, len(out))}
	for i, p := range out {
		resp.Programs[i] = *p
	}
	return resp, nil
}

func (h *handler) listLinks(_ context.Context, req *ListLinksRequest) (*ListLinksResponse, error) {
	out, err := h.o.ListLinks(orchestrator.LinkFilter{Kind: req.Kind, Application: req.Application})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListLinksResponse{Links: make([]registry.Link, len(out))}
	for i, l := range out {
		resp.Links[i] = *l
	}
	return resp, nil
}

func (h *handler) pullImage(ctx context.Context, req *PullImageRequest) (*PullImageResponse, error) {
	entry, err := h.o.PullImage(ctx, req.URL, req.PullPolicy, authOf(req.AuthUser, req.AuthPass))
	if err != nil {
		return nil, toStatus(err)
	}
	return &PullImageResponse{Image: *entry}, nil
}

// emptyResponse is returned by the RPCs whose Orchestrator call has no
// result beyond success/failure.
type emptyResponse struct{}

// serviceName is this daemon's gRPC service path, analogous to the
// package.Service name a .proto file would otherwise declare.
const serviceName = "bpfman.v1.Bpfman"

// serviceDesc is registered directly with grpc.Server — there is no
// generated *_grpc.pb.go here to register instead, so each unary method
// is wired by hand the way grpc-go's own low-level server API allows.
func serviceDesc() grpc.ServiceDesc {
	return grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unaryMethod("Load", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(LoadRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.load(ctx, req)
			}),
			unaryMethod("Attach", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(AttachRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.attach(ctx, req)
			}),
			unaryMethod("Detach", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(DetachRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.detach(ctx, req)
			}),
			unaryMethod("Unload", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(UnloadRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.unload(ctx, req)
			}),
			unaryMethod("GetProgram", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(GetProgramRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.getProgram(ctx, req)
			}),
			unaryMethod("GetLink", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(GetLinkRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.getLink(ctx, req)
			}),
			unaryMethod("ListPrograms", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(ListProgramsRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.listPrograms(ctx, req)
			}),
			unaryMethod("ListLinks", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(ListLinksRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.listLinks(ctx, req)
			}),
			unaryMethod("PullImage", func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
				req := new(PullImageRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.pullImage(ctx, req)
			}),
		},
		Metadata: "bpfman/internal/rpc",
	}
}

// unaryMethod adapts a typed handler closure into the grpc.MethodDesc
// shape, threading the server interceptor chain (logging, the
// inactivity timer's Kick) the same way generated code does.
func unaryMethod(name string, fn func(h *handler, ctx context.Context, dec func(interface{}) error) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			h := srv.(*handler)
			if interceptor == nil {
				return fn(h, ctx, dec)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, struct{}{}, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
				return fn(h, ctx, dec)
			})
		},
	}
}
