package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/minakawa-daiki/quizduel/pkg/auth"
	"github.com/minakawa-daiki/quizduel/pkg/battle"
	"github.com/minakawa-daiki/quizduel/pkg/matchmaking"
	"github.com/minakawa-daiki/quizduel/pkg/metrics"
	"github.com/minakawa-daiki/quizduel/pkg/presence"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Server is the authoritative command API. Every route requires a bearer
// token; the uid it verifies to is the acting player, so a client can only
// ever move its own pieces. Successful battle commands double as presence
// touches.
type Server struct {
	engine   *battle.Engine
	queue    *matchmaking.Queue
	tracker  *presence.Tracker
	verifier auth.Verifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewServer(engine *battle.Engine, queue *matchmaking.Queue, tracker *presence.Tracker, verifier auth.Verifier, mets *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		queue:    queue,
		tracker:  tracker,
		verifier: verifier,
		metrics:  mets,
		logger:   logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type submitAnswerRequest struct {
	RoundIndex int    `json:"roundIndex"`
	Answer     string `json:"answer"`
}

type submitAnswerResponse struct {
	Status battle.SubmitStatus `json:"status"`
	Battle *battle.Snapshot    `json:"battle"`
}

type submitMashRequest struct {
	MashID string `json:"mashId"`
	Taps   int    `json:"taps"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.allowCORS, s.instrument, s.authenticate)
	r.Route("/matchmaking/{poolID}", func(r chi.Router) {
		r.Post("/join", s.join)
		r.Post("/cancel", s.cancel)
		r.Post("/bot", s.matchWithBot)
	})
	r.Route("/battles/{battleID}", func(r chi.Router) {
		r.Get("/", s.getBattle)
		r.Post("/answer", s.submitAnswer)
		r.Post("/mash", s.submitMash)
		r.Post("/swap", s.swapRabbit)
		r.Post("/rounds/{roundIndex}/start", s.startRound)
		r.Post("/rounds/{roundIndex}/timeout", s.resolveTimeout)
	})
	return r
}

type uidKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		const prefix = "Bearer "
		header := req.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		uid, err := s.verifier.Verify(req.Context(), strings.TrimPrefix(header, prefix))
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), uidKey{}, uid)))
	})
}

func (s *Server) allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		s.metrics.CommandSeconds.Observe(time.Since(start).Seconds())
	})
}

func uidFrom(req *http.Request) string {
	uid, _ := req.Context().Value(uidKey{}).(string)
	return uid
}

func (s *Server) join(w http.ResponseWriter, req *http.Request) {
	t, err := s.queue.Join(req.Context(), uidFrom(req), chi.URLParam(req, "poolID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancel(w http.ResponseWriter, req *http.Request) {
	if err := s.queue.Cancel(req.Context(), uidFrom(req), chi.URLParam(req, "poolID")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) matchWithBot(w http.ResponseWriter, req *http.Request) {
	t, err := s.queue.MatchWithBot(req.Context(), uidFrom(req), chi.URLParam(req, "poolID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) getBattle(w http.ResponseWriter, req *http.Request) {
	uid := uidFrom(req)
	b, err := s.engine.GetBattle(req.Context(), battle.BattleID(chi.URLParam(req, "battleID")))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if b.Player(uid) == nil {
		s.writeError(w, http.StatusForbidden, "not a player in this battle")
		return
	}
	s.touch(req.Context(), b.BattleID, uid)
	s.writeJSON(w, http.StatusOK, battle.NewSnapshot(b))
}

func (s *Server) submitAnswer(w http.ResponseWriter, req *http.Request) {
	uid := uidFrom(req)
	id := battle.BattleID(chi.URLParam(req, "battleID"))
	var body submitAnswerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	res, err := s.engine.SubmitAnswer(req.Context(), id, uid, body.RoundIndex, body.Answer)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.touch(req.Context(), id, uid)
	s.writeJSON(w, http.StatusOK, &submitAnswerResponse{
		Status: res.Status,
		Battle: battle.NewSnapshot(res.Battle),
	})
}

func (s *Server) submitMash(w http.ResponseWriter, req *http.Request) {
	uid := uidFrom(req)
	id := battle.BattleID(chi.URLParam(req, "battleID"))
	var body submitMashRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Taps < 0 {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	b, err := s.engine.SubmitMashResult(req.Context(), id, uid, body.MashID, body.Taps)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.touch(req.Context(), id, uid)
	s.writeJSON(w, http.StatusOK, battle.NewSnapshot(b))
}

func (s *Server) swapRabbit(w http.ResponseWriter, req *http.Request) {
	uid := uidFrom(req)
	id := battle.BattleID(chi.URLParam(req, "battleID"))
	b, err := s.engine.SwapRabbit(req.Context(), id, uid)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.touch(req.Context(), id, uid)
	s.writeJSON(w, http.StatusOK, battle.NewSnapshot(b))
}

func (s *Server) startRound(w http.ResponseWriter, req *http.Request) {
	uid := uidFrom(req)
	id := battle.BattleID(chi.URLParam(req, "battleID"))
	idx, err := strconv.Atoi(chi.URLParam(req, "roundIndex"))
	if err != nil || idx < 0 {
		s.writeError(w, http.StatusBadRequest, "roundIndex must be a non-negative integer")
		return
	}
	b, err := s.engine.StartRound(req.Context(), id, uid, idx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.touch(req.Context(), id, uid)
	s.writeJSON(w, http.StatusOK, battle.NewSnapshot(b))
}

func (s *Server) resolveTimeout(w http.ResponseWriter, req *http.Request) {
	uid := uidFrom(req)
	id := battle.BattleID(chi.URLParam(req, "battleID"))
	idx, err := strconv.Atoi(chi.URLParam(req, "roundIndex"))
	if err != nil || idx < 0 {
		s.writeError(w, http.StatusBadRequest, "roundIndex must be a non-negative integer")
		return
	}
	b, err := s.engine.ResolveRoundTimeout(req.Context(), id, uid, idx)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.touch(req.Context(), id, uid)
	s.writeJSON(w, http.StatusOK, battle.NewSnapshot(b))
}

func (s *Server) touch(ctx context.Context, id battle.BattleID, uid string) {
	if err := s.tracker.Touch(ctx, id, uid); err != nil {
		s.logger.Debug().Err(err).Str("battleId", string(id)).Str("uid", uid).Msg("presence touch failed")
	}
}

// writeDomainError maps battle and matchmaking sentinels onto HTTP statuses:
// unknown entities are 404, acting out of turn is 409, everything else is a
// server fault.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, battle.ErrBattleNotFound),
		errors.Is(err, matchmaking.ErrTicketNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, battle.ErrNotPlayer):
		s.writeError(w, http.StatusForbidden, "not a player in this battle")
	case errors.Is(err, battle.ErrBattleFinished),
		errors.Is(err, battle.ErrStaleRound),
		errors.Is(err, battle.ErrRoundNotStarted),
		errors.Is(err, battle.ErrRoundNotReady),
		errors.Is(err, battle.ErrAlreadySubmitted),
		errors.Is(err, battle.ErrDeadlineNotReached),
		errors.Is(err, battle.ErrMashActive),
		errors.Is(err, battle.ErrMashNotActive),
		errors.Is(err, battle.ErrMashAlreadyTallied),
		errors.Is(err, matchmaking.ErrNotQueued):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("command failed")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, &errorResponse{Error: msg})
}
