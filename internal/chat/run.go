package chat

import (
	"context"
	"encoding/json"

	"ridesync/internal/contracts"
	"ridesync/internal/events"
	"ridesync/internal/logger"
)

// Run consumes chat events from the multiplexer until ctx ends. Queued
// outbound messages survive a source drop untouched; the resync pass after
// the next authentication re-drives them.
func (p *Pipeline) Run(ctx context.Context, mux *events.Multiplexer) {
	sub := mux.Subscribe(
		contracts.EventChatMessage,
		contracts.EventChatDelivered,
		contracts.EventChatRead,
	)
	defer mux.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.SourceDown():
			logger.Info(ctx, p.log, "push_source_down", "Push stream gone, outbound messages stay queued")
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			p.handleFrame(ctx, frame)
		}
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, frame contracts.Frame) {
	switch frame.Type {
	case contracts.EventChatMessage:
		var ev contracts.ChatMessageEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Error(ctx, p.log, "event_decode_failed", "Bad chat_message payload", err)
			return
		}
		p.ApplyInbound(ctx, ev)

	case contracts.EventChatDelivered:
		var ev contracts.ChatDeliveryAck
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Error(ctx, p.log, "event_decode_failed", "Bad chat_delivered payload", err)
			return
		}
		p.ApplyDeliveryAck(ctx, ev)

	case contracts.EventChatRead:
		var ev contracts.ChatReadReceipt
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			logger.Error(ctx, p.log, "event_decode_failed", "Bad chat_read payload", err)
			return
		}
		p.ApplyReadReceipt(ctx, ev)
	}
}
