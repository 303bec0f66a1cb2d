// Package spectate streams self-play games to websocket viewers.
//
// Viewers receive JSON events wrapped as {"type": ..., "data": ...}:
// "game" carries a finished game as its initial state plus action list,
// "ply" carries each action as it is played. Replaying the actions of a
// "game" event with rules.Apply regenerates every position.
package spectate

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/executor/selfplay"
	"github.com/brensch/santorini/game"
)

const (
	EventGame = "game"
	EventPly  = "ply"

	clientBuffer = 64
	writeTimeout = 5 * time.Second
	// recentGames is how many finished games a new viewer is sent on connect.
	recentGames = 5
)

type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type GameData struct {
	GameID  string         `json:"game_id"`
	Worker  int            `json:"worker"`
	Initial game.GameState `json:"initial"`
	Actions []game.Action  `json:"actions"`
	Winner  int            `json:"winner"`
}

type PlyData struct {
	GameID string         `json:"game_id"`
	Worker int            `json:"worker"`
	Turn   int            `json:"turn"`
	Action game.Action    `json:"action"`
	State  game.GameState `json:"state"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans events out to every connected viewer. Slow viewers drop events
// rather than stall self-play.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	recent  [][]byte

	dropped int64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "spectate").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// PublishGames sends finished games. Suitable as part of a drain hook.
func (h *Hub) PublishGames(recs []*replay.Record) {
	for _, rec := range recs {
		msg, err := encode(EventGame, GameData{
			GameID:  rec.GameID,
			Worker:  rec.Worker,
			Initial: rec.Initial,
			Actions: rec.Actions,
			Winner:  rec.Winner,
		})
		if err != nil {
			h.log.Error().Err(err).Msg("encode game")
			continue
		}
		h.mu.Lock()
		h.recent = append(h.recent, msg)
		if len(h.recent) > recentGames {
			h.recent = h.recent[len(h.recent)-recentGames:]
		}
		h.mu.Unlock()
		h.broadcast(msg)
	}
}

// PublishPly sends one live action. Safe from any goroutine.
func (h *Hub) PublishPly(p selfplay.Ply) {
	if h.Clients() == 0 {
		return
	}
	msg, err := encode(EventPly, PlyData{
		GameID: p.GameID,
		Worker: p.Worker,
		Turn:   p.Before.Turn,
		Action: p.Action,
		State:  p.After,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("encode ply")
		return
	}
	h.broadcast(msg)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped is the number of events skipped because a viewer fell behind.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
}

// ServeHTTP upgrades the request and streams events until the viewer goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	for _, msg := range h.recent {
		c.send <- msg
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Info().Str("remote", r.RemoteAddr).Int("viewers", n).Msg("viewer connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Viewers never send anything; reading just notices the close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		_ = conn.Close()
		h.log.Info().Str("remote", r.RemoteAddr).Msg("viewer disconnected")
	}()

	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func encode(kind string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: kind, Data: data})
}
