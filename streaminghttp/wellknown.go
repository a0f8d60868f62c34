package streaminghttp

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/tracklight/tracklight-mcp/internal/wellknown"
)

// discoveryDocs holds the rendered discovery documents. When no identity
// provider is configured the documents are absent and the routes answer with
// a "not configured" body instead of failing.
type discoveryDocs struct {
	prm      *wellknown.ProtectedResourceMetadata
	asMeta   *wellknown.AuthServerMetadata
	mcpOAuth *wellknown.MCPOAuth
}

func buildDiscoveryDocuments(mcpURL *url.URL, cfg *newConfig) *discoveryDocs {
	if cfg.idpMeta == nil {
		return &discoveryDocs{}
	}
	meta := cfg.idpMeta
	return &discoveryDocs{
		prm: &wellknown.ProtectedResourceMetadata{
			Resource:               mcpURL.String(),
			AuthorizationServers:   []string{meta.Issuer},
			JwksURI:                meta.JWKSURI,
			ScopesSupported:        meta.ScopesSupported,
			BearerMethodsSupported: []string{"authorization_header"},
			ResourceName:           cfg.serverName,
		},
		asMeta: &wellknown.AuthServerMetadata{
			Issuer:                 meta.Issuer,
			AuthorizationEndpoint:  meta.AuthorizationEndpoint,
			TokenEndpoint:          meta.TokenEndpoint,
			UserinfoEndpoint:       meta.UserInfoEndpoint,
			JwksURI:                meta.JWKSURI,
			RegistrationEndpoint:   meta.RegistrationEndpoint,
			ScopesSupported:        meta.ScopesSupported,
			ResponseTypesSupported: meta.ResponseTypesSupported,
		},
		mcpOAuth: &wellknown.MCPOAuth{
			Resource:              mcpURL.String(),
			Issuer:                meta.Issuer,
			AuthorizationEndpoint: meta.AuthorizationEndpoint,
			TokenEndpoint:         meta.TokenEndpoint,
			ClientID:              cfg.clientID,
			Audience:              cfg.audience,
			ScopesSupported:       meta.ScopesSupported,
		},
	}
}

// registerWellKnown wires the discovery and preflight routes. Each document
// is served both at its bare path and with the MCP endpoint path appended,
// per the path-aware well-known convention.
func (h *Handler) registerWellKnown(mux *http.ServeMux, mcpPath string) {
	suffix := ""
	if mcpPath != "/" {
		suffix = strings.TrimSuffix(mcpPath, "/")
	}

	serve := func(base string, doc func() any) {
		mux.HandleFunc("GET "+base, h.handleGetDiscovery(doc))
		mux.HandleFunc("OPTIONS "+base, handleOptionsDiscovery)
		if suffix != "" {
			mux.HandleFunc("GET "+base+suffix, h.handleGetDiscovery(doc))
			mux.HandleFunc("OPTIONS "+base+suffix, handleOptionsDiscovery)
		}
	}

	serve("/.well-known/oauth-protected-resource", func() any {
		if h.docs.prm == nil {
			return nil
		}
		return h.docs.prm
	})
	serve("/.well-known/oauth-authorization-server", func() any {
		if h.docs.asMeta == nil {
			return nil
		}
		return h.docs.asMeta
	})
	mux.HandleFunc("GET /.well-known/mcp-oauth", h.handleGetDiscovery(func() any {
		if h.docs.mcpOAuth == nil {
			return nil
		}
		return h.docs.mcpOAuth
	}))
	mux.HandleFunc("OPTIONS /.well-known/mcp-oauth", handleOptionsDiscovery)
}

// handleGetDiscovery serves one discovery document with permissive CORS.
// Discovery routes are informational, so a missing identity provider yields a
// descriptive body rather than a server error.
func (h *Handler) handleGetDiscovery(doc func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Content-Type", jsonMediaType.String())
		d := doc()
		if d == nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "identity provider not configured"})
			return
		}
		_ = json.NewEncoder(w).Encode(d)
	}
}

func handleOptionsDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

type healthCache struct {
	Entries    int   `json:"entries"`
	Capacity   int   `json:"capacity"`
	TTLSeconds int64 `json:"ttl_seconds"`
}

type healthResponse struct {
	Status         string       `json:"status"`
	ActiveSessions int          `json:"active_sessions"`
	Cache          *healthCache `json:"cache,omitempty"`
}

// handleGetHealth reports service status plus token cache occupancy and the
// number of live sessions. It requires no credential.
func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Status:         "ok",
		ActiveSessions: h.registry.Len(),
	}
	if h.cache != nil {
		stats := h.cache.Stats(r.Context())
		res.Cache = &healthCache{
			Entries:    stats.Entries,
			Capacity:   stats.Capacity,
			TTLSeconds: int64(h.cacheTTL.Seconds()),
		}
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(r.Context(), "health.write.fail")
	}
}
