package broker

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Server wires the broker's websocket endpoint and its REST surface for
// match setup and recent-event history.
type Server struct {
	broker *Broker
	router *mux.Router
	log    zerolog.Logger
}

// NewServer creates the HTTP front of a broker.
func NewServer(b *Broker, logger zerolog.Logger) *Server {
	s := &Server{
		broker: b,
		router: mux.NewRouter(),
		log:    logger.With().Str("component", "broker-http").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.broker.ServeWS)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/matches/{id}", s.handleSetupMatch).Methods("POST")
	api.HandleFunc("/matches/{id}/teams", s.handleRegisterTeam).Methods("POST")
	api.HandleFunc("/matches/{id}/events", s.handleListEvents).Methods("GET")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setupMatchRequest struct {
	Kickoff time.Time `json:"kickoff"`
}

func (s *Server) handleSetupMatch(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["id"]

	var req setupMatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	s.broker.Matches().Setup(matchID, req.Kickoff)
	s.log.Info().Str("match_id", matchID).Msg("match set up")
	respondJSON(w, http.StatusCreated, map[string]string{"matchId": matchID})
}

type registerTeamRequest struct {
	TeamID  int64    `json:"teamId"`
	Name    string   `json:"name"`
	Players []Player `json:"players"`
}

func (s *Server) handleRegisterTeam(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["id"]

	var req registerTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "team name is required")
		return
	}

	s.broker.Matches().RegisterTeam(matchID, req.TeamID, req.Name, req.Players)
	s.log.Info().Str("match_id", matchID).Int64("team_id", req.TeamID).Msg("team registered")
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"matchId": matchID,
		"teamId":  req.TeamID,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["id"]
	events := s.broker.Matches().History(matchID)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"matchId": matchID,
		"events":  events,
	})
}
