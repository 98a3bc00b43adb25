package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/securevox/call-server/internal/auth"
	"github.com/securevox/call-server/internal/call"
	"github.com/securevox/call-server/internal/signaling"
	"github.com/securevox/call-server/internal/upstream"
)

// REST request bodies are capped well below the signaling message limit;
// nothing here legitimately carries SDP blobs.
const maxBodyBytes = 16 << 10

var errBadRequest = errors.New("invalid request body")

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadRequest
	}
	// Trailing garbage after the JSON value is also a malformed body.
	if dec.More() {
		return errBadRequest
	}
	return nil
}

func writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiError{Code: signaling.CodeValidation, Message: msg})
}

func identity(r *http.Request) auth.Identity {
	ident, _ := auth.IdentityFromContext(r.Context())
	return ident
}

// callerPeer builds the registry-facing caller from the authenticated
// identity. Display names come from client input and get sanitized before
// they are relayed to other users.
func callerPeer(ident auth.Identity, displayName string) call.Peer {
	name := auth.Sanitize(displayName)
	if name == "" {
		name = auth.Sanitize(ident.Email)
	}
	return call.Peer{ID: ident.UserID, Name: name, Device: ident.DeviceID}
}

type createCallRequest struct {
	CalleeID   string       `json:"callee_id"`
	MediaKind  string       `json:"media_kind"`
	CallerName string       `json:"caller_name"`
	Options    call.Options `json:"options"`
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if req.CalleeID == "" {
		writeValidationError(w, "callee_id is required")
		return
	}
	kind, err := call.ParseMediaKind(req.MediaKind)
	if err != nil {
		writeError(w, err)
		return
	}

	// Unlike the signaling path, REST creation does not require the callee to
	// be online: the push notification is the ring for backgrounded clients.
	snap, err := s.deps.Registry.Create(r.Context(), callerPeer(identity(r), req.CallerName), req.CalleeID, kind, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

type createGroupCallRequest struct {
	CalleeIDs  []string     `json:"callee_ids"`
	MediaKind  string       `json:"media_kind"`
	CallerName string       `json:"caller_name"`
	Options    call.Options `json:"options"`
}

func (s *Server) handleCreateGroupCall(w http.ResponseWriter, r *http.Request) {
	var req createGroupCallRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	kind, err := call.ParseMediaKind(req.MediaKind)
	if err != nil {
		writeError(w, err)
		return
	}

	snap, err := s.deps.Registry.CreateGroup(r.Context(), callerPeer(identity(r), req.CallerName), req.CalleeIDs, kind, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Reason    string `json:"reason"`
}

func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	ident := identity(r)
	snap, err := s.deps.Registry.Answer(r.Context(), req.SessionID, callerPeer(ident, req.Name))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRejectCall(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	snap, err := s.deps.Registry.Reject(r.Context(), req.SessionID, identity(r).UserID, auth.Sanitize(req.Reason))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	snap, err := s.deps.Registry.End(r.Context(), req.SessionID, identity(r).UserID, auth.Sanitize(req.Reason))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.deps.Registry.ActiveCalls(identity(r).UserID)
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeValidationError(w, "limit must be a positive integer")
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}

	records, err := s.deps.History.History(r.Context(), identity(r).UserID, limit)
	if err != nil {
		s.log.Warn("call history fetch failed", "err", err)
		writeError(w, err)
		return
	}
	if records == nil {
		records = []upstream.CallRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": records})
}

// callStats is the per-session view exposed to participants and admins.
type callStats struct {
	Session      call.Snapshot `json:"session"`
	DurationSecs int64         `json:"duration_secs"`
	Participants int           `json:"participants"`
}

func (s *Server) handleCallStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snap, err := s.deps.Registry.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	ident := identity(r)
	if !ident.IsAdmin() && !snapshotInvolves(snap, ident.UserID) {
		writeError(w, call.ErrNotParticipant)
		return
	}

	stats := callStats{Session: snap}
	for _, p := range snap.Participants {
		if !p.Left {
			stats.Participants++
		}
	}
	if !snap.ConnectedAt.IsZero() {
		end := snap.EndedAt
		if end.IsZero() {
			end = time.Now()
		}
		stats.DurationSecs = int64(end.Sub(snap.ConnectedAt) / time.Second)
	}
	writeJSON(w, http.StatusOK, stats)
}

// snapshotInvolves reports whether userID ever took part in the session,
// including an invited 1:1 callee who never answered.
func snapshotInvolves(snap call.Snapshot, userID string) bool {
	if snap.CalleeID == userID {
		return true
	}
	for _, p := range snap.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}
