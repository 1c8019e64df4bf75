// Package grpcserver exposes the offline store admin API over gRPC.
// Requests and responses are google.protobuf.Struct, so no generated stubs are needed.
package grpcserver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/offline-keeper/internal/convert"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/identity"
	"github.com/and161185/offline-keeper/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "offline.v1.OfflineStore"

// Method names, relative to ServiceName.
const (
	MethodStore           = "Store"
	MethodRetrieve        = "Retrieve"
	MethodCountByCategory = "CountByCategory"
	MethodDeleteByID      = "DeleteByID"
	MethodSetQuota        = "SetQuota"
	MethodMigrate         = "Migrate"
)

// FullMethod returns "/offline.v1.OfflineStore/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Server wires the message service into gRPC handlers.
type Server struct {
	svc service.MessageService
	log *zap.Logger
	now func() time.Time
}

// New constructs a gRPC server with the injected service.
func New(svc service.MessageService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{svc: svc, log: log, now: time.Now}
}

// Register attaches the service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&ServiceDesc, s)
}

// --- handlers ---

// Store persists one message. A met quota is a normal {"stored": false} reply.
func (s *Server) Store(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := convert.FromStructStoreRequest(in, s.now())
	if err != nil {
		return nil, toStatus(err)
	}
	ok, err := s.svc.Store(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructFlag("stored", ok), nil
}

// Retrieve returns {"messages": [...]} for {recipient, ids?, delete?}.
func (s *Server) Retrieve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	recipient, err := convert.String(in, "recipient")
	if err != nil {
		return nil, toStatus(err)
	}
	ids, err := convert.IDs(in, "ids")
	if err != nil {
		return nil, toStatus(err)
	}
	del, err := convert.Bool(in, "delete")
	if err != nil {
		return nil, toStatus(err)
	}
	ms, err := s.svc.Retrieve(ctx, recipient, ids, del)
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructMessages(ms), nil
}

// CountByCategory returns {"counts": {...}, "total": n} for {recipient}.
func (s *Server) CountByCategory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	recipient, err := convert.String(in, "recipient")
	if err != nil {
		return nil, toStatus(err)
	}
	counts, err := s.svc.CountByCategory(ctx, recipient)
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructCounts(counts), nil
}

// DeleteByID returns {"deleted": bool} for {id}.
func (s *Server) DeleteByID(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := convert.ID(in, "id")
	if err != nil {
		return nil, toStatus(err)
	}
	ok, err := s.svc.DeleteByID(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return convert.ToStructFlag("deleted", ok), nil
}

// SetQuota sets {recipient, limit}; a missing or null limit clears the override.
func (s *Server) SetQuota(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	recipient, err := convert.String(in, "recipient")
	if err != nil {
		return nil, toStatus(err)
	}
	limit, err := convert.Int(in, "limit")
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.svc.SetQuota(ctx, recipient, limit); err != nil {
		return nil, toStatus(err)
	}
	sub, _ := SubjectFromCtx(ctx)
	s.log.Info("quota override", zap.String("recipient", recipient), zap.String("by", sub))
	return convert.ToStructFlag("ok", true), nil
}

// Migrate rehashes stored identities from one rule to another.
func (s *Server) Migrate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fromS, err := convert.String(in, "from")
	if err != nil {
		return nil, toStatus(err)
	}
	toS, err := convert.String(in, "to")
	if err != nil {
		return nil, toStatus(err)
	}
	from, err := identity.ParseRule(fromS)
	if err != nil {
		return nil, toStatus(err)
	}
	to, err := identity.ParseRule(toS)
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := s.svc.Migrate(ctx, from, to)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"scanned": structpb.NewNumberValue(float64(st.Scanned)),
		"updated": structpb.NewNumberValue(float64(st.Updated)),
		"foreign": structpb.NewNumberValue(float64(st.Foreign)),
	}}, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, errs.ErrConfiguration):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrStorage):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Errorf(codes.Internal, "internal: %v", err)
	}
}

// --- service descriptor ---

type structMethod func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return m(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the offline store service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStore, (*Server).Store),
		unary(MethodRetrieve, (*Server).Retrieve),
		unary(MethodCountByCategory, (*Server).CountByCategory),
		unary(MethodDeleteByID, (*Server).DeleteByID),
		unary(MethodSetQuota, (*Server).SetQuota),
		unary(MethodMigrate, (*Server).Migrate),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "offline/v1/offline.proto",
}
