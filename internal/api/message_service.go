package api

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

func (s *Control) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	to, err := required(req, "to")
	if err != nil {
		return nil, err
	}
	var media map[string]string
	if mv := req.GetFields()["media"].GetStructValue(); mv != nil {
		media = make(map[string]string, len(mv.GetFields()))
		for name, uri := range mv.GetFields() {
			media[name] = uri.GetStringValue()
		}
	}

	m, err := s.coord.Send(ctx, to, field(req, "body"), media)
	if err != nil {
		return nil, toStatus("send", err)
	}
	return reply("send", map[string]any{"message": m, "queued": m.ID == ""})
}
