package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/model"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// summary drops the chat history; Messages serves it per contact.
func summary(list []*model.Contact) []model.Contact {
	out := make([]model.Contact, 0, len(list))
	for _, c := range list {
		cp := *c
		cp.Chat = nil
		cp.Token = ""
		out = append(out, cp)
	}
	return out
}

func (s *Control) ChatList(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list, err := s.coord.ChatList(ctx)
	if err != nil {
		return nil, toStatus("chat list", err)
	}
	return reply("chat list", map[string]any{"chats": summary(list)})
}

func (s *Control) Contacts(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	list, err := s.cache.All(ctx)
	if err != nil {
		return nil, toStatus("contacts", err)
	}
	return reply("contacts", map[string]any{"contacts": summary(list)})
}

func (s *Control) Messages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	key, err := required(req, "contact")
	if err != nil {
		return nil, err
	}
	ct, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, toStatus("messages", err)
	}
	msgs := ct.Chat
	if msgs == nil {
		msgs = []model.Message{}
	}
	return reply("messages", map[string]any{"messages": msgs})
}

func (s *Control) FindContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	phone, err := required(req, "phone")
	if err != nil {
		return nil, err
	}
	ct, err := s.coord.FindContact(ctx, phone)
	if err != nil {
		return nil, toStatus("find contact", err)
	}
	if ct == nil {
		return reply("find contact", map[string]any{})
	}
	ct.Chat = nil
	return reply("find contact", map[string]any{"contact": ct})
}
