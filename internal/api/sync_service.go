package api

import (
	"errors"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

// WatchEvents streams bus events whose kind starts with the requested
// namespace. Slow watchers miss events rather than stall the daemon.
func (s *Control) WatchEvents(req *structpb.Struct, stream EventStream) error {
	ch, unsub := s.bus.Subscribe(field(req, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := toStruct(map[string]any{
				"eventId":      uuid.New().String(),
				"session":      s.sessionName,
				"kind":         evt.Kind,
				"occurredAtMs": evt.Timestamp.UnixMilli(),
				"payload":      eventPayload(evt),
			})
			if err != nil {
				continue
			}
			if err := stream.Send(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// eventPayload flattens payloads whose error fields would not survive JSON.
func eventPayload(evt bus.Event) any {
	switch p := evt.Payload.(type) {
	case nil:
		return map[string]any{}
	case error:
		var fe *realtime.FrameError
		if errors.As(p, &fe) {
			return map[string]any{"error": fe.Error(), "frame": string(fe.Data)}
		}
		return map[string]any{"error": p.Error()}
	case realtime.Disconnect:
		return map[string]any{"error": errString(p.Err)}
	case realtime.Reconnect:
		return map[string]any{"attempt": p.Attempt, "delayMs": p.Delay.Milliseconds()}
	case intsync.SendFailed:
		return map[string]any{"contactKey": p.ContactKey, "localId": p.LocalID, "error": errString(p.Err)}
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}
	case string:
		return map[string]any{"value": p}
	default:
		return p
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
