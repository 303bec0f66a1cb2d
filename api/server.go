// Package api serves a player's moves over HTTP.
package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/player"
	"github.com/brensch/santorini/rules"
)

type MoveRequest struct {
	Workers [game.Players][game.Workers]game.Position `json:"workers"`
	Heights [game.Size][game.Size]uint8              `json:"heights"`
	Turn    int                                      `json:"turn"`
}

type MoveResponse struct {
	Action  game.Action `json:"action"`
	Winning bool        `json:"winning"`
	Legal   int         `json:"legal_actions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server answers move requests with one player. Players are not safe for
// concurrent use, so requests are served one at a time.
type Server struct {
	mu     sync.Mutex
	player player.Player
	log    zerolog.Logger
}

func NewServer(p player.Player, log zerolog.Logger) *Server {
	return &Server{player: p, log: log}
}

// Routes registers the server's handlers on r.
func (s *Server) Routes(r gin.IRoutes) {
	r.GET("/healthz", s.healthz)
	r.POST("/move", s.move)
}

// Handler returns a standalone router with the server's routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	s.Routes(r)
	return r
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) move(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	state := game.GameState{Workers: req.Workers, Heights: req.Heights, Turn: req.Turn}
	if err := state.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	legal := rules.CountLegalActions(state)
	if legal == 0 {
		c.JSON(http.StatusConflict, errorResponse{Error: "player to move has no legal action"})
		return
	}

	s.mu.Lock()
	a, err := s.player.Action(c.Request.Context(), state)
	s.mu.Unlock()
	switch {
	case errors.Is(err, mcts.ErrNoLegalAction):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.log.Error().Err(err).Int("turn", state.Turn).Msg("move failed")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	s.log.Debug().Int("turn", state.Turn).Stringer("action", a).Msg("move")
	c.JSON(http.StatusOK, MoveResponse{
		Action:  a,
		Winning: rules.IsWinningAction(state, a),
		Legal:   legal,
	})
}
