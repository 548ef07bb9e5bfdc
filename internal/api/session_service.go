package api

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func (s *Control) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report := StatusReport{
		Session:      s.sessionName,
		State:        string(s.machine.Current()),
		StateSinceMs: s.machine.Since().UnixMilli(),
		UptimeMs:     time.Since(s.startedAt).Milliseconds(),
		QueueLen:     s.queue.Len(),
	}
	if sess := s.holder.Get(); sess.Authenticated() {
		report.Authenticated = true
		user := sess.User
		user.Token = ""
		report.User = &user
	}
	if all, err := s.cache.All(ctx); err == nil {
		report.Contacts = len(all)
	}
	return reply("status", report)
}

func (s *Control) Signup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	phone, err := required(req, "phone")
	if err != nil {
		return nil, err
	}
	sess, err := s.coord.Signup(ctx, phone)
	if err != nil {
		return nil, toStatus("signup", err)
	}
	return userReply("signup", sess)
}

func (s *Control) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user := model.Contact{ID: field(req, "id"), Phone: field(req, "phone")}
	if user.ID == "" && user.Phone == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id or phone is required")
	}
	sess, err := s.coord.Login(ctx, user)
	if err != nil {
		return nil, toStatus("login", err)
	}
	return userReply("login", sess)
}

func (s *Control) Verify(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	code, err := required(req, "code")
	if err != nil {
		return nil, err
	}
	ok, err := s.coord.Verify(ctx, code)
	if err != nil {
		return nil, toStatus("verify", err)
	}
	return reply("verify", map[string]bool{"ok": ok})
}

func (s *Control) UpdateProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sess, err := s.coord.UpdateProfile(ctx, field(req, "name"), field(req, "tagline"))
	if err != nil {
		return nil, toStatus("update profile", err)
	}
	return userReply("update profile", sess)
}

func (s *Control) UpdatePushKey(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	key, err := required(req, "key")
	if err != nil {
		return nil, err
	}
	if err := s.coord.UpdatePushKey(ctx, key); err != nil {
		return nil, toStatus("update push key", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Control) Logout(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.coord.Logout(ctx); err != nil {
		return nil, toStatus("logout", err)
	}
	return &emptypb.Empty{}, nil
}

// userReply never echoes the token.
func userReply(op string, sess *model.Session) (*structpb.Struct, error) {
	user := sess.User
	user.Token = ""
	return reply(op, map[string]any{"user": user})
}
