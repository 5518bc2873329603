package peer

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"georepl/internal/codec"
	replerr "georepl/internal/errors"
	"georepl/internal/logging"
)

// Receiver applies an envelope received from a peer region.
type Receiver interface {
	HandleRemote(ctx context.Context, env codec.Envelope) error
}

// Server implements ReplicationServer on top of a Receiver.
type Server struct {
	receiver Receiver
	region   string
	codec    codec.Codec
	logger   log.Logger
	now      func() time.Time
}

// NewServer creates a server for the local region.
func NewServer(receiver Receiver, region string, c codec.Codec, logger log.Logger) *Server {
	return &Server{
		receiver: receiver,
		region:   region,
		codec:    c,
		logger:   logging.Component(logger, "peer-server"),
		now:      time.Now,
	}
}

// Push decodes and applies one envelope.
func (s *Server) Push(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	env, err := s.codec.Unmarshal(in.GetValue())
	if err != nil {
		level.Warn(s.logger).Log("msg", "undecodable push", "err", err)
		return nil, ToStatus(err)
	}

	level.Debug(s.logger).Log("msg", "push", "key", env.Key, "origin", env.Version.OriginRegion)

	if err := s.receiver.HandleRemote(ctx, env); err != nil {
		return nil, ToStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Ping returns the local wall clock.
func (s *Server) Ping(ctx context.Context, in *timestamppb.Timestamp) (*timestamppb.Timestamp, error) {
	return timestamppb.New(s.now()), nil
}

// ToStatus maps a classified error to a gRPC status.
func ToStatus(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	kind, _ := replerr.KindOf(err)
	switch kind {
	case replerr.KindChecksum:
		return status.Error(codes.DataLoss, err.Error())
	case replerr.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case replerr.KindLocality:
		return status.Error(codes.PermissionDenied, err.Error())
	case replerr.KindTransport:
		return status.Error(codes.Unavailable, err.Error())
	case replerr.KindConfig:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
