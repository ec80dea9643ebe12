package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hydra/pkg/hydraerr"
	"github.com/cuemby/hydra/pkg/types"
)

// principalCtxKey is the context key the external identity middleware's
// headers are unpacked into (spec.md §6: "by the time a handler runs, the
// request carries a principal {email, groups, role}").
type principalCtxKey struct{}

// principalMiddleware stands in for the external identity middleware's
// contract: it never authenticates anything itself, it only unpacks the
// headers that middleware is documented to set.
func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := types.Principal{
			Email: r.Header.Get("X-Hydra-Email"),
			Role:  types.Role(r.Header.Get("X-Hydra-Role")),
		}
		if groups := r.Header.Get("X-Hydra-Groups"); groups != "" {
			p.Groups = strings.Split(groups, ",")
		}
		ctx := context.WithValue(r.Context(), principalCtxKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(r *http.Request) types.Principal {
	p, _ := r.Context().Value(principalCtxKey{}).(types.Principal)
	return p
}

// usernameOf derives the username a principal maps to from the local part
// of their email, matching the identity convention every other component
// assumes (container/volume/route names are all "student-"+username).
func usernameOf(p types.Principal) string {
	if i := strings.IndexByte(p.Email, '@'); i >= 0 {
		return p.Email[:i]
	}
	return p.Email
}

// authorizeSelfOrAdmin writes 401/403 and returns false unless the caller
// is authenticated and either owns targetUsername or holds a role that
// grants broader access.
func authorizeSelfOrAdmin(w http.ResponseWriter, r *http.Request, targetUsername string) bool {
	p := principalFrom(r)
	if p.Email == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return false
	}
	if p.Role == types.RoleAdmin || usernameOf(p) == targetUsername {
		return true
	}
	http.Error(w, "forbidden", http.StatusForbidden)
	return false
}

// authVerify implements spec.md §4.9's proxy auth-middleware callback: 2xx
// iff the request carries a valid, non-expired share token for the target
// user (no session needed), or the caller's session is valid and either
// their user matches the path's username or their role grants access.
func (a *api) authVerify(w http.ResponseWriter, r *http.Request) {
	targetUser := r.URL.Query().Get("user")

	if token := r.URL.Query().Get("share_token"); token != "" {
		link, err := a.store.GetShareLink(token)
		if err == nil && link.Valid(time.Now().UTC()) && (targetUser == "" || link.OwnerUsername == targetUser) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	p := principalFrom(r)
	if p.Email == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	// Faculty access is scoped to "their course", a membership fact that
	// lives in the course catalog spec.md §2 names as an external,
	// out-of-scope JSON collaborator; without that membership data this
	// handler grants any authenticated faculty principal access, the
	// widest interpretation consistent with "faculty over their course".
	switch {
	case p.Role == types.RoleAdmin:
		w.WriteHeader(http.StatusNoContent)
	case p.Role == types.RoleFaculty:
		w.WriteHeader(http.StatusNoContent)
	case targetUser != "" && usernameOf(p) == targetUser:
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "forbidden", http.StatusForbidden)
	}
}

// mountShares wires /shares/* (spec.md §4.9: "token issuance/validation
// backed by C2").
func (a *api) mountShares(r chi.Router) {
	r.Post("/", a.issueShare)
	// Redemption needs no session, so it is the one surface where token
	// guessing is possible; rate-limit it per client IP.
	r.With(a.shareLimiter.middleware).Get("/{token}", a.redeemShare)
}

type issueShareRequest struct {
	ContainerName  string `json:"container_name"`
	Endpoint       string `json:"endpoint"`
	Access         string `json:"access"`
	ExpirationDays int    `json:"expiration_days"`
}

// shareTokenBytes is 18 bytes (144 bits) of entropy, the floor spec.md §3
// requires ("unguessable, >=144 bits").
const shareTokenBytes = 18

func newShareToken() (string, error) {
	b := make([]byte, shareTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("api: read random share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// maxShareExpirationDays is the clamp spec.md §8 names explicitly: "31
// days is clamped to 30".
const maxShareExpirationDays = 30

func (a *api) issueShare(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if p.Email == "" {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	var body issueShareRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	days := body.ExpirationDays
	if days <= 0 {
		days = maxShareExpirationDays
	}
	if days > maxShareExpirationDays {
		days = maxShareExpirationDays
	}

	access := types.AccessReadonly
	if body.Access == string(types.AccessFull) {
		access = types.AccessFull
	}

	token, err := newShareToken()
	if err != nil {
		writeError(w, hydraerr.Operation("share_token_failed", "api", "failed to generate share token", err))
		return
	}

	link := &types.ShareLink{
		Token:         token,
		OwnerUsername: usernameOf(p),
		ContainerName: body.ContainerName,
		Endpoint:      body.Endpoint,
		Access:        access,
		ExpiresAt:     time.Now().UTC().AddDate(0, 0, days),
	}
	if err := a.store.CreateShareLink(link); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, link)
}

func (a *api) redeemShare(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	link, err := a.store.GetShareLink(token)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	now := time.Now().UTC()
	if !link.Valid(now) {
		http.Error(w, "expired", http.StatusGone)
		return
	}
	if err := a.store.RecordShareLinkAccess(token, now); err != nil {
		writeError(w, err)
		return
	}
	link.ViewCount++
	link.LastAccessed = &now
	writeJSON(w, link)
}
