package mesh

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SWAI-Ltd/relaymesh/internal/cache"
	"github.com/SWAI-Ltd/relaymesh/internal/proto"
	"github.com/SWAI-Ltd/relaymesh/internal/stats"
)

// Outcome describes what HandlePublish did with one frame.
type Outcome struct {
	MessageID string
	// Status is one of the proto ack statuses, or empty when the frame was
	// dropped without a reply.
	Status    string
	Delivered int
	Failed    int
	Err       error
}

// Engine deduplicates publishes and fans them out. Delivery is best-effort
// and at most once per hop: nothing is retried and nothing waits on a
// subscriber.
type Engine struct {
	relayID   string
	cache     *cache.MessageCache
	registry  *Registry
	validator proto.Validator
	stats     *stats.NodeStats
	log       *zap.Logger
	now       func() time.Time
}

func NewEngine(relayID string, c *cache.MessageCache, reg *Registry, v proto.Validator, st *stats.NodeStats, log *zap.Logger) *Engine {
	return &Engine{
		relayID:   relayID,
		cache:     c,
		registry:  reg,
		validator: v,
		stats:     st,
		log:       log,
		now:       time.Now,
	}
}

// HandlePublish runs one publish frame from origin through validation,
// dedup and fan-out, then acks origin.
func (e *Engine) HandlePublish(origin *Peer, raw []byte) Outcome {
	msg, err := proto.DecodePublish(raw)
	if err != nil {
		e.log.Debug("dropping malformed publish", zap.Uint64("peer", origin.ID()), zap.Error(err))
		return Outcome{Err: err}
	}
	now := e.now()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
		withID, err := proto.WithID(raw, msg.ID)
		if err != nil {
			return Outcome{Err: err}
		}
		msg.Raw = withID
	}
	if msg.Timestamp == "" {
		msg.Timestamp = proto.Timestamp(now)
	}
	msg.Origin = origin.ID()

	if err := e.validator.Validate(msg, now); err != nil {
		e.stats.IncMessagesRejected()
		e.log.Debug("publish rejected",
			zap.String("message_id", msg.ID),
			zap.Uint64("peer", origin.ID()),
			zap.Error(err))
		e.ack(origin, msg.ID, proto.StatusRejected, proto.KindName(err))
		return Outcome{MessageID: msg.ID, Status: proto.StatusRejected, Err: err}
	}
	e.stats.IncMessagesReceived()

	// Insert doubles as the has-seen check so two peers racing the same id
	// cannot both pass it.
	if !e.cache.Insert(msg) {
		e.stats.IncMessagesDuplicate()
		e.ack(origin, msg.ID, proto.StatusDuplicate, "")
		return Outcome{MessageID: msg.ID, Status: proto.StatusDuplicate}
	}

	out := Outcome{MessageID: msg.ID, Status: proto.StatusRelayed}
	for _, target := range e.registry.FanoutTargets(msg.Topic, origin) {
		if err := target.Enqueue(msg.Raw); err != nil {
			// a full queue drops this copy only
			out.Failed++
			e.stats.IncSendFailures()
			e.log.Debug("delivery dropped",
				zap.String("message_id", msg.ID),
				zap.Uint64("peer", target.ID()),
				zap.Error(err))
			continue
		}
		// relayed counts copies accepted into a send queue; a later write
		// error on that peer is counted separately as a send failure
		out.Delivered++
		e.stats.IncMessagesRelayed()
	}
	e.ack(origin, msg.ID, proto.StatusRelayed, "")
	e.log.Debug("relayed",
		zap.String("message_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Int("delivered", out.Delivered),
		zap.Int("failed", out.Failed))
	return out
}

func (e *Engine) ack(origin *Peer, id, status, kind string) {
	frame, err := proto.Encode(proto.Ack{
		Type:      proto.TypeAck,
		MessageID: id,
		Status:    status,
		RelayID:   e.relayID,
		Timestamp: proto.Timestamp(e.now()),
		Error:     kind,
	})
	if err != nil {
		return
	}
	if err := origin.Enqueue(frame); err != nil {
		e.stats.IncSendFailures()
	}
}
