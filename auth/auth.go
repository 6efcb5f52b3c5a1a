// Package auth models the credential strategies the context factory can
// attach to an outgoing RPC: no credentials, or a refreshable bearer token.
//
// This is the tagged-variant reimplementation of the original AuthBase
// polymorphism called for by spec §9 ("Dynamic dispatch / inheritance"):
// Auth = {None, Token{refresh() -> Token}}, pattern-matched by client/
// instead of subclassed.
package auth

import (
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/oauth"
)

// Kind discriminates the tagged Auth variant.
type Kind int

const (
	// None carries no credentials; calls are unauthenticated.
	None Kind = iota
	// Token carries an oauth2 bearer token, refreshed on demand.
	Token
)

// Auth is the tagged variant described in spec §9. The zero value is None.
type Auth struct {
	kind   Kind
	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewNone returns the None variant.
func NewNone() *Auth {
	return &Auth{kind: None}
}

// NewToken returns the Token variant backed by an oauth2.TokenSource. The
// source is expected to do its own transport-level refresh: Refresh pulls
// one token from it and discards it, and the credential returned by
// PerRPCCredentials pulls from the same source on every RPC.
func NewToken(source oauth2.TokenSource) *Auth {
	return &Auth{kind: Token, source: source}
}

// Kind reports which variant this Auth value is.
func (a *Auth) Kind() Kind {
	if a == nil {
		return None
	}
	return a.kind
}

// Refresh is auth_refresh from spec §4.4/§9: it is called at most once per
// retry cycle and pulls one token from the source while holding the Auth's
// mutex. The mutex serializes Refresh calls with one another only; the
// per-RPC token pulls made through PerRPCCredentials do not take it.
func (a *Auth) Refresh() error {
	if a == nil || a.kind != Token {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.source.Token()
	return err
}

// PerRPCCredentials returns the grpc.DialOption-compatible credential the
// client/ package's context factory attaches per call, or nil for None.
func (a *Auth) PerRPCCredentials() credentials.PerRPCCredentials {
	if a == nil || a.kind != Token {
		return nil
	}
	return oauth.TokenSource{TokenSource: a.source}
}

// staticTokenSource adapts a single known-good bearer token string (e.g.
// read once from a credential file) into an oauth2.TokenSource, matching
// how cmd/recc's --auth_token flag is used.
type staticTokenSource struct {
	token string
}

func (s staticTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

// NewStaticToken wraps a fixed bearer token string as an Auth value.
func NewStaticToken(token string) *Auth {
	return NewToken(staticTokenSource{token: token})
}
