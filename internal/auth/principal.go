// Package auth resolves HTTP callers to exactly one principal role, admin
// (session cookie) or agent (bearer token), and refuses requests
// that mix the two schemes. It also carries the supporting credential
// machinery: token generation and hashing, bcrypt admin passwords,
// origin validation, and the per-admin creation rate limit.
package auth

import (
	"net/http"
	"time"
)

// Role tags a principal as exactly one kind of caller.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// Principal is an authenticated caller. AdminID is set for admins,
// HostID for agents; never both.
type Principal struct {
	Role    Role
	AdminID string
	HostID  string
}

// Error is an authentication/authorization failure with the HTTP status
// it should map to.
type Error struct {
	Status int
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// SessionLookup resolves a session token to an admin identity.
type SessionLookup interface {
	LookupSession(token string, now time.Time) (adminID string, err error)
}

// AgentTokenLookup resolves a hashed bearer token to a host identity.
type AgentTokenLookup interface {
	LookupAgentToken(tokenHash string) (hostID string, err error)
}

// Resolver authenticates requests against the credential stores.
type Resolver struct {
	sessions SessionLookup
	agents   AgentTokenLookup
	now      func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(sessions SessionLookup, agents AgentTokenLookup) *Resolver {
	return &Resolver{sessions: sessions, agents: agents, now: time.Now}
}

// SetNow replaces the time source. Used by tests.
func (rs *Resolver) SetNow(now func() time.Time) { rs.now = now }

// Resolve authenticates r as the required role. Session-cookie and
// bearer-token semantics never mix: an agent route rejects any request
// carrying cookies outright, and an admin route rejects bearer tokens.
func (rs *Resolver) Resolve(r *http.Request, require Role) (*Principal, *Error) {
	switch require {
	case RoleAgent:
		return rs.resolveAgent(r)
	case RoleAdmin:
		return rs.resolveAdmin(r)
	}
	return nil, &Error{Status: http.StatusInternalServerError, Reason: "unknown principal role"}
}

func (rs *Resolver) resolveAgent(r *http.Request) (*Principal, *Error) {
	if len(r.Cookies()) > 0 {
		return nil, &Error{Status: http.StatusUnauthorized, Reason: "cookies are not accepted on agent routes"}
	}
	bearer := ExtractBearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		return nil, &Error{Status: http.StatusUnauthorized, Reason: "agent bearer token required"}
	}
	hostID, err := rs.agents.LookupAgentToken(HashToken(bearer))
	if err != nil {
		return nil, &Error{Status: http.StatusUnauthorized, Reason: "invalid agent token"}
	}
	return &Principal{Role: RoleAgent, HostID: hostID}, nil
}

func (rs *Resolver) resolveAdmin(r *http.Request) (*Principal, *Error) {
	if ExtractBearerToken(r.Header.Get("Authorization")) != "" {
		return nil, &Error{Status: http.StatusForbidden, Reason: "bearer tokens are not accepted on admin routes"}
	}
	token := GetSessionToken(r)
	if token == "" {
		return nil, &Error{Status: http.StatusUnauthorized, Reason: "authentication required"}
	}
	adminID, err := rs.sessions.LookupSession(token, rs.now())
	if err != nil {
		return nil, &Error{Status: http.StatusUnauthorized, Reason: "invalid or expired session"}
	}
	return &Principal{Role: RoleAdmin, AdminID: adminID}, nil
}
