package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/contacts"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Control implements ControlServer on top of the sync coordinator.
type Control struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	coord       *intsync.Coordinator
	holder      *session.Holder
	cache       *contacts.Cache
	queue       *outbox.Queue
	bus         *bus.Bus
}

// NewControl creates the control service for one session.
func NewControl(sessionName string, machine *status.Machine, coord *intsync.Coordinator, holder *session.Holder, cache *contacts.Cache, queue *outbox.Queue, b *bus.Bus) *Control {
	return &Control{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		coord:       coord,
		holder:      holder,
		cache:       cache,
		queue:       queue,
		bus:         b,
	}
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	var se *remote.StatusError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	case errors.Is(err, intsync.ErrNotAuthenticated):
		return grpcstatus.Errorf(codes.Unauthenticated, "%s: %v", op, err)
	case errors.Is(err, contacts.ErrUnknownContact):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	case errors.Is(err, intsync.ErrUnregistered):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, realtime.ErrNotConnected), errors.As(err, &se):
		return grpcstatus.Errorf(codes.Unavailable, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func reply(op string, v any) (*structpb.Struct, error) {
	s, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%s: encode reply: %v", op, err)
	}
	return s, nil
}

func field(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func required(req *structpb.Struct, key string) (string, error) {
	v := field(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}
