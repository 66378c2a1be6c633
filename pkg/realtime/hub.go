package realtime

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/tevino/abool"
	"golang.org/x/net/websocket"

	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/matchmaking"
)

// client is one feed connection. Frames are written under sendMu because
// the hub and the connection's own read loop both send.
type client struct {
	uid    string
	ws     *websocket.Conn
	sendMu sync.Mutex
	closed *abool.AtomicBool

	mu      sync.Mutex
	battles map[battle.BattleID]struct{}
	tickets map[string]struct{}
	leases  map[battle.BattleID]struct{}
}

func newClient(uid string, ws *websocket.Conn) *client {
	return &client{
		uid:     uid,
		ws:      ws,
		closed:  abool.New(),
		battles: make(map[battle.BattleID]struct{}),
		tickets: make(map[string]struct{}),
		leases:  make(map[battle.BattleID]struct{}),
	}
}

func (c *client) send(msg *Message) error {
	if c.closed.IsSet() {
		return nil
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return websocket.JSON.Send(c.ws, msg)
}

func (c *client) watchingBattle(id battle.BattleID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.battles[id]
	return ok
}

func (c *client) trackLease(id battle.BattleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leases[id] = struct{}{}
}

func (c *client) heldLeases() []battle.BattleID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]battle.BattleID, 0, len(c.leases))
	for id := range c.leases {
		out = append(out, id)
	}
	return out
}

type ticketKey struct {
	uid    string
	poolID string
}

// Hub fans battle snapshots and ticket updates out to watching connections.
type Hub struct {
	logger zerolog.Logger

	mu             sync.RWMutex
	battleWatchers map[battle.BattleID]map[*client]struct{}
	ticketWatchers map[ticketKey]map[*client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:         logger,
		battleWatchers: make(map[battle.BattleID]map[*client]struct{}),
		ticketWatchers: make(map[ticketKey]map[*client]struct{}),
	}
}

func (h *Hub) watchBattle(c *client, id battle.BattleID) {
	h.mu.Lock()
	ws, ok := h.battleWatchers[id]
	if !ok {
		ws = make(map[*client]struct{})
		h.battleWatchers[id] = ws
	}
	ws[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.battles[id] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) watchTicket(c *client, uid, poolID string) {
	key := ticketKey{uid: uid, poolID: poolID}
	h.mu.Lock()
	ws, ok := h.ticketWatchers[key]
	if !ok {
		ws = make(map[*client]struct{})
		h.ticketWatchers[key] = ws
	}
	ws[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.tickets[poolID] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	c.mu.Lock()
	battles := make([]battle.BattleID, 0, len(c.battles))
	for id := range c.battles {
		battles = append(battles, id)
	}
	pools := make([]string, 0, len(c.tickets))
	for p := range c.tickets {
		pools = append(pools, p)
	}
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range battles {
		if ws, ok := h.battleWatchers[id]; ok {
			delete(ws, c)
			if len(ws) == 0 {
				delete(h.battleWatchers, id)
			}
		}
	}
	for _, p := range pools {
		key := ticketKey{uid: c.uid, poolID: p}
		if ws, ok := h.ticketWatchers[key]; ok {
			delete(ws, c)
			if len(ws) == 0 {
				delete(h.ticketWatchers, key)
			}
		}
	}
}

// dropBattle removes every watcher of a finished battle. Each connection
// already received the terminal snapshot by the time this runs.
func (h *Hub) dropBattle(id battle.BattleID) {
	h.mu.Lock()
	ws := h.battleWatchers[id]
	delete(h.battleWatchers, id)
	h.mu.Unlock()

	for c := range ws {
		c.mu.Lock()
		delete(c.battles, id)
		c.mu.Unlock()
	}
}

func (h *Hub) battleAudience(id battle.BattleID) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ws := h.battleWatchers[id]
	out := make([]*client, 0, len(ws))
	for c := range ws {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcastBattle(b *battle.Battle) {
	msg, err := NewMessage(MessageTypeBattle, battle.NewSnapshot(b))
	if err != nil {
		h.logger.Error().Err(err).Str("battleId", string(b.BattleID)).Msg("failed to encode battle snapshot")
		return
	}
	for _, c := range h.battleAudience(b.BattleID) {
		if err := c.send(msg); err != nil {
			h.logger.Debug().Err(err).Str("uid", c.uid).Msg("failed to push battle update")
		}
	}
}

func (h *Hub) broadcastTicket(t *matchmaking.Ticket) {
	msg, err := NewMessage(MessageTypeTicket, t)
	if err != nil {
		h.logger.Error().Err(err).Str("uid", t.UserID).Msg("failed to encode ticket update")
		return
	}
	key := ticketKey{uid: t.UserID, poolID: t.PoolID}
	h.mu.RLock()
	ws := h.ticketWatchers[key]
	audience := make([]*client, 0, len(ws))
	for c := range ws {
		audience = append(audience, c)
	}
	h.mu.RUnlock()

	for _, c := range audience {
		if err := c.send(msg); err != nil {
			h.logger.Debug().Err(err).Str("uid", c.uid).Msg("failed to push ticket update")
		}
	}
}

func (h *Hub) broadcastMashTaps(body *MashTapsBody) {
	msg, err := NewMessage(MessageTypeMashTaps, body)
	if err != nil {
		h.logger.Error().Err(err).Str("battleId", string(body.BattleID)).Msg("failed to encode mash taps")
		return
	}
	for _, c := range h.battleAudience(body.BattleID) {
		if err := c.send(msg); err != nil {
			h.logger.Debug().Err(err).Str("uid", c.uid).Msg("failed to push mash taps")
		}
	}
}
