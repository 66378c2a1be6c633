package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/minakawa-daiki/quizduel/pkg/auth"
	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/matchmaking"
	"github.com/minakawa-daiki/quizduel/pkg/metrics"
	"github.com/minakawa-daiki/quizduel/pkg/presence"
)

// Server is the websocket feed. Clients authenticate with a token query
// parameter, then watch their own tickets and battles; the server pushes a
// fresh snapshot on every state change. Heartbeats received here keep the
// player's presence lease alive.
type Server struct {
	engine   *battle.Engine
	queue    *matchmaking.Queue
	tracker  *presence.Tracker
	verifier auth.Verifier
	hub      *Hub
	advisory *AdvisoryCounters
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewServer(engine *battle.Engine, queue *matchmaking.Queue, tracker *presence.Tracker, verifier auth.Verifier, mets *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		queue:    queue,
		tracker:  tracker,
		verifier: verifier,
		hub:      NewHub(logger),
		advisory: NewAdvisoryCounters(),
		metrics:  mets,
		logger:   logger,
	}
}

// BattleUpdated implements battle.Notifier.
func (s *Server) BattleUpdated(b *battle.Battle) {
	s.hub.broadcastBattle(b)
	if b.Finished() {
		s.advisory.ForgetBattle(b.BattleID)
		s.hub.dropBattle(b.BattleID)
	}
}

// TicketUpdated implements matchmaking.TicketNotifier.
func (s *Server) TicketUpdated(t *matchmaking.Ticket) {
	s.hub.broadcastTicket(t)
}

func (s *Server) Handler() http.Handler {
	return websocket.Handler(s.serve)
}

func (s *Server) serve(ws *websocket.Conn) {
	ctx := ws.Request().Context()
	uid, err := s.verifier.Verify(ctx, ws.Request().URL.Query().Get("token"))
	if err != nil {
		s.logger.Info().Err(err).Msg("rejected feed connection")
		if msg, err := NewMessage(MessageTypeError, &ErrorBody{Reason: "unauthorized"}); err == nil {
			_ = websocket.JSON.Send(ws, msg)
		}
		return
	}

	c := newClient(uid, ws)
	s.metrics.FeedClients.Inc()
	defer s.drop(c)
	s.logger.Info().Str("uid", uid).Msg("feed connected")

	for {
		var msg Message
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			if err != io.EOF {
				s.logger.Debug().Err(err).Str("uid", uid).Msg("failed to receive frame")
			}
			return
		}
		s.handle(ctx, c, &msg)
	}
}

// drop runs when a connection goes away for any reason. Leases the
// connection was feeding are released so the battle engine sees the
// disconnect right away instead of after the lease lapses.
func (s *Server) drop(c *client) {
	c.closed.Set()
	s.metrics.FeedClients.Dec()
	s.hub.unregister(c)
	// The request context dies with the connection; the release writes must
	// outlive it.
	ctx := context.Background()
	for _, id := range c.heldLeases() {
		s.tracker.Release(ctx, id, c.uid)
	}
	s.logger.Info().Str("uid", c.uid).Msg("feed disconnected")
}

func (s *Server) handle(ctx context.Context, c *client, msg *Message) {
	switch msg.Type {
	case MessageTypeWatchBattle:
		var body WatchBattleBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			s.replyError(c, "malformed body")
			return
		}
		b, err := s.engine.GetBattle(ctx, body.BattleID)
		if err != nil {
			if errors.Is(err, battle.ErrBattleNotFound) {
				s.replyError(c, "battle not found")
			} else {
				s.logger.Error().Err(err).Str("battleId", string(body.BattleID)).Msg("failed to load battle for watch")
				s.replyError(c, "battle unavailable")
			}
			return
		}
		if b.Player(c.uid) == nil {
			s.replyError(c, "not a player in this battle")
			return
		}
		s.hub.watchBattle(c, b.BattleID)
		s.reply(c, MessageTypeBattle, battle.NewSnapshot(b))

	case MessageTypeWatchTicket:
		var body WatchTicketBody
		if err := json.Unmarshal(msg.Body, &body); err != nil || body.PoolID == "" {
			s.replyError(c, "malformed body")
			return
		}
		s.hub.watchTicket(c, c.uid, body.PoolID)
		t, err := s.queue.GetTicket(ctx, c.uid, body.PoolID)
		if err != nil {
			if !errors.Is(err, matchmaking.ErrTicketNotFound) {
				s.logger.Error().Err(err).Str("uid", c.uid).Msg("failed to load ticket for watch")
			}
			return
		}
		s.reply(c, MessageTypeTicket, t)

	case MessageTypeHeartbeat:
		var body HeartbeatBody
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			s.replyError(c, "malformed body")
			return
		}
		if err := s.tracker.Touch(ctx, body.BattleID, c.uid); err != nil {
			s.replyError(c, "heartbeat rejected")
			return
		}
		c.trackLease(body.BattleID)

	case MessageTypeMashTap:
		var body MashTapBody
		if err := json.Unmarshal(msg.Body, &body); err != nil || body.MashID == "" || body.Taps < 0 {
			s.replyError(c, "malformed body")
			return
		}
		if !c.watchingBattle(body.BattleID) {
			s.replyError(c, "watch the battle before reporting taps")
			return
		}
		counts := s.advisory.Record(body.BattleID, body.MashID, c.uid, body.Taps)
		s.hub.broadcastMashTaps(&MashTapsBody{
			BattleID: body.BattleID,
			MashID:   body.MashID,
			Taps:     counts,
		})

	default:
		s.replyError(c, "unknown message type")
	}
}

func (s *Server) reply(c *client, t MessageType, body interface{}) {
	msg, err := NewMessage(t, body)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(t)).Msg("failed to encode reply")
		return
	}
	if err := c.send(msg); err != nil {
		s.logger.Debug().Err(err).Str("uid", c.uid).Msg("failed to send reply")
	}
}

func (s *Server) replyError(c *client, reason string) {
	s.reply(c, MessageTypeError, &ErrorBody{Reason: reason})
}
