package streaminghttp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tracklight/tracklight-mcp/auth"
	"github.com/tracklight/tracklight-mcp/internal/jsonrpc"
)

// requireAuth guards a protected route. Health, discovery, and CORS preflight
// never pass through here; they are registered on the mux without the gate.
//
// Outcomes:
//   - no identity provider configured: 500, a deployment fault
//   - missing credential: 401 with a bare Bearer challenge pointing at the
//     protected resource metadata document
//   - rejected credential: 401 with error="invalid_token"; expired, forged,
//     and provider-rejected tokens are deliberately indistinguishable
//   - valid credential: claims attached to the request context
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if h.authn == nil {
			h.log.ErrorContext(ctx, "auth.not_configured")
			writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "identity provider not configured")
			return
		}

		token := bearerToken(r.Header.Get(authorizationHeader))
		if token == "" {
			// RFC 6750 s3.1: no credential at all means no error code, just
			// the challenge.
			h.log.InfoContext(ctx, "auth.check.missing")
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), nil))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		claims, err := h.authn.Authenticate(ctx, token)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, pathIfSet(h.prmDocumentURL), map[string]string{
					"error": "invalid_token",
				}))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeRPCError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "authentication unavailable")
			return
		}

		next(w, r.WithContext(auth.WithClaims(ctx, claims)))
	}
}

// bearerToken extracts the token from an Authorization header, or "" when the
// header is absent, uses another scheme, or carries no token.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="...", resource_metadata="...", error="..."
//
// Realm is omitted if empty. Params are emitted in a fixed logical order so
// the header is deterministic.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := make([]string, 0, 2+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// pathIfSet returns the string form of u if non-nil, else empty.
func pathIfSet(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
