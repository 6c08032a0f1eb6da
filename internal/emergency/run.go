package emergency

import (
	"context"
	"encoding/json"

	"ridesync/internal/contracts"
	"ridesync/internal/events"
	"ridesync/internal/logger"
)

// Run consumes SOS acknowledgements from the multiplexer until ctx ends.
func (c *Controller) Run(ctx context.Context, mux *events.Multiplexer) {
	sub := mux.Subscribe(contracts.EventSOSAck)
	defer mux.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.SourceDown():
			// active sessions stay active; only the push stream is gone
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			var ev contracts.SOSAck
			if err := json.Unmarshal(frame.Data, &ev); err != nil {
				logger.Error(ctx, c.log, "event_decode_failed", "Bad sos_ack payload", err)
				continue
			}
			c.ApplySOSAck(ctx, ev)
		}
	}
}
