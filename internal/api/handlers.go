package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/presence.report/internal/advertmux"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/presence"
)

const (
	defaultTransitionLimit = 50
	maxTransitionLimit     = 1000
)

// PresenceResponse answers /api/presence and /api/presence/wait.
type PresenceResponse struct {
	Owner   string    `json:"owner,omitempty"`
	Present bool      `json:"present"`
	At      time.Time `json:"at"`
}

// BeaconRequest registers a beacon to an owner.
type BeaconRequest struct {
	UUID  string `json:"uuid"`
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
	Owner string `json:"owner"`
}

// StatsResponse answers /api/stats. Source is omitted when no local radio
// source is attached.
type StatsResponse struct {
	Tracker presence.Stats   `json:"tracker"`
	Source  *advertmux.Stats `json:"source,omitempty"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	now := s.clock.Now()
	httputil.WriteJSONOK(w, PresenceResponse{
		Owner:   owner,
		Present: s.tracker.Query(owner, now),
		At:      now,
	})
}

// handlePresenceWait holds the request open until the owner's next sighting
// or the timeout, whichever comes first.
func (s *Server) handlePresenceWait(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	timeout, err := parseDuration(r.URL.Query().Get("timeout"), defaultWaitTimeout)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'timeout' parameter: %v", err))
		return
	}
	if timeout > maxWaitTimeout {
		httputil.BadRequest(w, fmt.Sprintf("'timeout' must not exceed %s", maxWaitTimeout))
		return
	}

	arrived, err := s.tracker.Wait(r.Context(), owner, timeout)
	if err != nil {
		// client went away
		return
	}
	httputil.WriteJSONOK(w, PresenceResponse{Owner: owner, Present: arrived, At: s.clock.Now()})
}

func (s *Server) handleBeacons(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.tracker.Beacons())
	case http.MethodPost:
		s.registerBeacon(w, r)
	case http.MethodDelete:
		s.deregisterBeacon(w, r)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (s *Server) registerBeacon(w http.ResponseWriter, r *http.Request) {
	var req BeaconRequest
	if err := httputil.DecodeJSONBody(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		httputil.BadRequest(w, "owner is required")
		return
	}
	id, err := presence.ParseIdentity(req.UUID, req.Major, req.Minor)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	now := s.clock.Now()
	if err := s.db.RegisterBeacon(id, owner, now); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to store registration: %v", err))
		return
	}
	s.tracker.Register(id, owner)
	httputil.WriteJSONCreated(w, db.Registration{Identity: id, Owner: owner, CreatedAt: now})
}

func (s *Server) deregisterBeacon(w http.ResponseWriter, r *http.Request) {
	id, err := identityFromQuery(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.db.DeregisterBeacon(id); err != nil {
		if errors.Is(err, db.ErrBeaconNotFound) {
			httputil.NotFound(w, fmt.Sprintf("%s is not registered", id))
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to remove registration: %v", err))
		return
	}
	s.tracker.Deregister(id)
	httputil.WriteJSONOK(w, map[string]presence.Identity{"deregistered": id})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultTransitionLimit, maxTransitionLimit)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	transitions, err := s.db.Transitions(owner, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve transitions: %v", err))
		return
	}
	if transitions == nil {
		transitions = []presence.Transition{}
	}
	httputil.WriteJSONOK(w, transitions)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	resp := StatsResponse{Tracker: s.tracker.Stats()}
	if s.source != nil {
		st := s.source.Stats()
		resp.Source = &st
	}
	httputil.WriteJSONOK(w, resp)
}

// identityFromQuery reads uuid, major and minor query parameters.
func identityFromQuery(r *http.Request) (presence.Identity, error) {
	q := r.URL.Query()
	if q.Get("uuid") == "" {
		return presence.Identity{}, errors.New("missing 'uuid' parameter")
	}
	major, err := strconv.ParseUint(q.Get("major"), 10, 16)
	if err != nil {
		return presence.Identity{}, fmt.Errorf("invalid 'major' parameter %q", q.Get("major"))
	}
	minor, err := strconv.ParseUint(q.Get("minor"), 10, 16)
	if err != nil {
		return presence.Identity{}, fmt.Errorf("invalid 'minor' parameter %q", q.Get("minor"))
	}
	return presence.ParseIdentity(q.Get("uuid"), uint16(major), uint16(minor))
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func parseLimit(s string, def, max int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter %q", s)
	}
	if n > max {
		n = max
	}
	return n, nil
}
