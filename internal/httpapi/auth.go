package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"turnoq/internal/store"
)

type authContextKey struct{}

// AuthMiddleware resolves the caller's session through the store. The
// session itself is issued by the external auth collaborator; this layer
// only looks it up and attaches the (usuario, sede, rol) tuple.
func AuthMiddleware(turnoStore store.TurnoStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
			return
		}
		session, err := turnoStore.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid session")
				return
			}
			status, code, msg := mapError(err)
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(store.Session)
	return session, ok
}

// requireSedeAccess gates operator endpoints: admins may act on any sede,
// supervisors and operadores only on their own.
func requireSedeAccess(w http.ResponseWriter, r *http.Request, sedeID string) bool {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return false
	}
	if session.Rol == store.RolAdmin {
		return true
	}
	if session.SedeID != sedeID {
		writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "sede access denied")
		return false
	}
	return true
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// Kiosk and public-display surfaces carry no session: ticket issuance, the
// active queue, the motivo catalog, and the event feed are open reads/writes
// rate limited elsewhere.
func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	case "/api/turnos":
		return r.Method == http.MethodPost
	case "/api/turnos/activos", "/api/turnos/actual", "/api/motivos", "/api/eventos":
		return r.Method == http.MethodGet
	default:
		return r.Method == http.MethodOptions
	}
}
