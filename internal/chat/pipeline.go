// Package chat is the delivery pipeline for in-ride messaging. Outbound
// messages are persisted locally before any transmission attempt, so a dead
// connection can never lose a message, and unacknowledged messages are
// re-driven in creation order after every reconnection.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ridesync/internal/cache"
	"ridesync/internal/contextx"
	"ridesync/internal/contracts"
	domain "ridesync/internal/domain/chat"
	"ridesync/internal/faults"
	"ridesync/internal/guard"
	"ridesync/internal/logger"
	"ridesync/internal/observability"
)

// Pusher is the slice of the push channel the pipeline writes to. Sends
// fail fast when the channel is not authenticated; the pipeline treats that
// the same as any transient failure and leaves the message queued.
type Pusher interface {
	Send(v any) error
}

// Pipeline owns the chat threads of the current session.
type Pipeline struct {
	mu sync.Mutex
	// threads indexes messages by ride then message id; loaded lazily from
	// the cache so acks arriving after a restart still find their message.
	threads  map[string]map[string]*domain.Message
	loaded   map[string]bool
	archived map[string]bool

	// lastResyncGen makes the redelivery pass run at most once per
	// connection generation.
	lastResyncGen uint64

	selfID string
	guard  guard.Guard
	store  cache.Store
	push   Pusher
	log    *slog.Logger
}

func New(selfID string, g guard.Guard, store cache.Store, push Pusher, log *slog.Logger) *Pipeline {
	return &Pipeline{
		threads:  make(map[string]map[string]*domain.Message),
		loaded:   make(map[string]bool),
		archived: make(map[string]bool),
		selfID:   selfID,
		guard:    g,
		store:    store,
		push:     push,
		log:      log,
	}
}

// Send queues an outbound message. The message is durably persisted first;
// the transmission attempt afterwards is best effort and a failed or
// fail-fast attempt leaves the message queued for the next resync. The
// returned message reflects what was stored, including any truncation.
func (p *Pipeline) Send(ctx context.Context, rideID, body string) (*domain.Message, error) {
	ctx = contextx.WithRideID(ctx, rideID)

	bounded, verdict := p.guard.Bound(body)
	switch verdict {
	case guard.Warning:
		logger.Info(ctx, p.log, "chat_body_large", "Message body above warning threshold")
	case guard.TooLarge:
		logger.Info(ctx, p.log, "chat_body_truncated", "Message body truncated to size limit")
	}

	msg, err := domain.NewMessage(uuid.NewString(), rideID, p.selfID, bounded, time.Now().UTC())
	if err != nil {
		return nil, faults.New(faults.KindValidationFailure, err)
	}

	// archive check and persist share one critical section so a thread
	// closing concurrently can never admit a message after its end
	p.mu.Lock()
	if p.archived[rideID] {
		p.mu.Unlock()
		return nil, faults.Newf(faults.KindValidationFailure, "ride %s has ended, chat is closed", rideID)
	}
	p.ensureLoadedLocked(ctx, rideID)
	if err := p.persistLocked(msg); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.threads[rideID][msg.ID] = msg
	p.mu.Unlock()

	observability.MessagesSentTotal.Inc()
	observability.PendingMessages.Inc()

	if err := p.push.Send(p.outbound(msg)); err != nil {
		// stays SENT; the next authenticated generation re-drives it
		logger.Info(ctx, p.log, "chat_send_deferred", "Push channel unavailable, message queued")
	}

	out := *msg
	return &out, nil
}

// ApplyInbound stores a message received from the counterpart. Re-delivery
// of the same message id after a reconnect is a no-op.
func (p *Pipeline) ApplyInbound(ctx context.Context, ev contracts.ChatMessageEvent) {
	if ev.MessageID == "" || ev.RideID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLoadedLocked(ctx, ev.RideID)
	if _, ok := p.threads[ev.RideID][ev.MessageID]; ok {
		return
	}

	msg := &domain.Message{
		ID:        ev.MessageID,
		RideID:    ev.RideID,
		SenderID:  ev.SenderID,
		Body:      ev.Body,
		CreatedAt: ev.CreatedAt,
		Status:    domain.StatusDelivered,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := p.persistLocked(msg); err != nil {
		logger.Error(ctx, p.log, "chat_inbound_persist_failed", "Failed to cache inbound message", err)
	}
	p.threads[ev.RideID][msg.ID] = msg
}

// ApplyDeliveryAck advances an outbound message to DELIVERED. Late or
// duplicate acks that would regress the status are ignored.
func (p *Pipeline) ApplyDeliveryAck(ctx context.Context, ev contracts.ChatDeliveryAck) {
	p.advance(ctx, ev.RideID, ev.MessageID, domain.StatusDelivered)
}

// ApplyReadReceipt advances an outbound message to READ. A receipt arriving
// before the delivery ack jumps straight there; the later ack then no-ops.
func (p *Pipeline) ApplyReadReceipt(ctx context.Context, ev contracts.ChatReadReceipt) {
	p.advance(ctx, ev.RideID, ev.MessageID, domain.StatusRead)
}

func (p *Pipeline) advance(ctx context.Context, rideID, messageID string, next domain.DeliveryStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLoadedLocked(ctx, rideID)

	msg, ok := p.threads[rideID][messageID]
	if !ok {
		return
	}

	prev := msg.Status
	if !msg.Advance(next) {
		return
	}
	if prev == domain.StatusSent && msg.Local {
		observability.PendingMessages.Dec()
	}
	if err := p.persistLocked(msg); err != nil {
		logger.Error(ctx, p.log, "chat_ack_persist_failed", "Failed to cache delivery status", err)
	}
}

// MarkAllAsRead marks every counterpart message read. The set is snapshotted
// at call time; messages arriving during the call keep their status. The
// upstream read receipt is best effort.
func (p *Pipeline) MarkAllAsRead(ctx context.Context, rideID string) {
	ctx = contextx.WithRideID(ctx, rideID)

	p.mu.Lock()
	p.ensureLoadedLocked(ctx, rideID)
	var readIDs []string
	for _, msg := range p.threads[rideID] {
		if msg.Local || msg.Status == domain.StatusRead {
			continue
		}
		if msg.Advance(domain.StatusRead) {
			readIDs = append(readIDs, msg.ID)
			if err := p.persistLocked(msg); err != nil {
				logger.Error(ctx, p.log, "chat_read_persist_failed", "Failed to cache read status", err)
			}
		}
	}
	p.mu.Unlock()

	if len(readIDs) == 0 {
		return
	}
	sort.Strings(readIDs)

	receipt := contracts.OutboundRead{
		Type:       contracts.OutboundReadReceipt,
		RideID:     rideID,
		MessageIDs: readIDs,
		ReadAt:     time.Now().UTC(),
	}
	if err := p.push.Send(receipt); err != nil {
		logger.Info(ctx, p.log, "read_receipt_deferred", "Push channel unavailable, read receipt not sent")
	}
}

// Resync re-transmits every unacknowledged local message in creation order.
// Runs at most once per connection generation, no matter how many callers
// race on the same reconnect.
func (p *Pipeline) Resync(ctx context.Context, gen uint64) {
	p.mu.Lock()
	if gen <= p.lastResyncGen {
		p.mu.Unlock()
		return
	}
	p.lastResyncGen = gen
	p.mu.Unlock()

	entries, err := p.store.ListByPrefix(cache.PrefixChat)
	if err != nil {
		logger.Error(ctx, p.log, "chat_resync_failed", "Cannot list cached messages", err)
		return
	}

	// key order is creation order within a ride
	resent := 0
	for _, entry := range entries {
		var msg domain.Message
		if uErr := json.Unmarshal(entry.Value, &msg); uErr != nil {
			continue
		}
		if !msg.Local || msg.Status != domain.StatusSent {
			continue
		}

		p.mu.Lock()
		archived := p.archived[msg.RideID]
		p.mu.Unlock()
		if archived {
			continue
		}

		if sErr := p.push.Send(p.outbound(&msg)); sErr != nil {
			// channel dropped again mid-pass; the next generation picks
			// up from the cache
			logger.Info(ctx, p.log, "chat_resync_interrupted", "Push channel lost during resync")
			return
		}
		resent++
		observability.MessagesResyncedTotal.Inc()
	}

	if resent > 0 {
		logger.Info(ctx, p.log, "chat_resynced", "Re-transmitted queued messages")
	}
}

// ArchiveRide closes a thread once its ride reaches a terminal status.
// History stays readable, new sends are refused.
func (p *Pipeline) ArchiveRide(rideID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.archived[rideID] = true
}

// Messages returns the thread in creation order as copies.
func (p *Pipeline) Messages(ctx context.Context, rideID string) []domain.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLoadedLocked(ctx, rideID)

	out := make([]domain.Message, 0, len(p.threads[rideID]))
	for _, msg := range p.threads[rideID] {
		out = append(out, *msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ensureLoadedLocked hydrates one ride's thread from the cache. Callers hold
// p.mu.
func (p *Pipeline) ensureLoadedLocked(ctx context.Context, rideID string) {
	if p.threads[rideID] == nil {
		p.threads[rideID] = make(map[string]*domain.Message)
	}
	if p.loaded[rideID] {
		return
	}
	p.loaded[rideID] = true

	entries, err := p.store.ListByPrefix(cache.ChatPrefix(rideID))
	if err != nil {
		logger.Error(ctx, p.log, "chat_load_failed", "Cannot load cached thread", err)
		return
	}
	for _, entry := range entries {
		var msg domain.Message
		if uErr := json.Unmarshal(entry.Value, &msg); uErr != nil {
			continue
		}
		if _, ok := p.threads[rideID][msg.ID]; ok {
			continue
		}
		m := msg
		p.threads[rideID][m.ID] = &m
		if m.Local && m.Status == domain.StatusSent {
			observability.PendingMessages.Inc()
		}
	}
}

func (p *Pipeline) persistLocked(msg *domain.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return faults.New(faults.KindValidationFailure, err)
	}
	return p.store.Put(cache.ChatKey(msg.RideID, msg.ID, msg.CreatedAt), raw)
}

func (p *Pipeline) outbound(msg *domain.Message) contracts.OutboundChat {
	return contracts.OutboundChat{
		Type:      contracts.OutboundChatMessage,
		MessageID: msg.ID,
		RideID:    msg.RideID,
		SenderID:  msg.SenderID,
		Body:      msg.Body,
		CreatedAt: msg.CreatedAt,
	}
}
