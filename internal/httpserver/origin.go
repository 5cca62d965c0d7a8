package httpserver

import (
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/origin"
)

// corsAllowHeaders lists what browser callers of the JSON endpoints may send.
// Authorization carries the resume token for TURN credentials.
const corsAllowHeaders = "Authorization, X-Request-ID"

// withCORS rejects cross-origin requests the origin policy refuses and
// answers preflights. Requests without an Origin header are not browser
// requests and pass through untouched.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Origin"))
		if header == "" {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next(w, r)
			return
		}

		normalized, _, ok := origin.NormalizeHeader(header)
		if !ok || !s.origins.Allows(header, r.Host) {
			s.log.Debug("cross-origin request refused", "origin", header, "path", r.URL.Path)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", normalized)
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}
