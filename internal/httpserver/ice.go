package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"
)

type iceServersResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	TTLSeconds int64              `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	ident := identity(r)
	servers, err := s.deps.Issuer.Servers(ident.UserID, ident.DeviceID)
	if err != nil {
		s.log.Error("ice server list failed", "err", err, "user_id", ident.UserID)
		writeError(w, err)
		return
	}
	resp := iceServersResponse{ICEServers: servers}
	if ttl := s.deps.Issuer.TTL(); ttl > 0 {
		resp.TTLSeconds = int64(ttl.Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

type iceTestRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) handleICETest(w http.ResponseWriter, r *http.Request) {
	var req iceTestRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	if len(req.URLs) == 0 || len(req.URLs) > 32 {
		writeValidationError(w, "urls must contain between 1 and 32 entries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": s.deps.Issuer.Test(req.URLs)})
}

func (s *Server) handleICEStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ice":      s.deps.Issuer.Stats(),
		"registry": s.deps.Registry.Stats(),
	})
}
