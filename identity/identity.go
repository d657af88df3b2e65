// Package identity exposes the read-only view of the caller's session: whether
// it is authenticated, who the principal is and which role the backend gives it.
package identity

import (
	"context"
	"net/http"

	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/xerrors"
)

// Role classifies the principal behind a session.
type Role int

const (
	// Unknown is used until the account has been resolved.
	Unknown Role = iota
	// Unregistered is an authenticated principal without an account.
	Unregistered
	// Doctor is a registered doctor.
	Doctor
	// Patient is a registered patient.
	Patient
)

func (r Role) String() string {
	switch r {
	case Unregistered:
		return "unregistered"
	case Doctor:
		return "doctor"
	case Patient:
		return "patient"
	default:
		return "unknown"
	}
}

// RoleFromAccountMsg maps the msg field of the account-resolution reply.
func RoleFromAccountMsg(msg string) Role {
	switch msg {
	case "null":
		return Unregistered
	case "doctor":
		return Doctor
	default:
		return Patient
	}
}

// Identity is who is calling.
type Identity struct {
	Principal string
	Role      Role
}

// ErrNoSession is returned when no valid credentials are available.
var ErrNoSession = xerrors.New("not authenticated")

// Session is the externally owned authentication state. The pipeline only
// reads it.
type Session interface {
	IsAuthenticated(ctx context.Context) bool
	HTTPClient(ctx context.Context) *http.Client
}

// TokenSession is a Session backed by an oauth2 token source.
type TokenSession struct {
	src oauth2.TokenSource
}

// NewTokenSession wraps src so tokens are cached until they expire.
func NewTokenSession(src oauth2.TokenSource) *TokenSession {
	return &TokenSession{src: oauth2.ReuseTokenSource(nil, src)}
}

// NewStaticSession builds a session from a bearer token obtained out of band.
// An empty token yields a session that is never authenticated.
func NewStaticSession(accessToken string) *TokenSession {
	if accessToken == "" {
		return &TokenSession{}
	}
	return NewTokenSession(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

// IsAuthenticated implements Session.
func (s *TokenSession) IsAuthenticated(ctx context.Context) bool {
	if s.src == nil {
		return false
	}
	tok, err := s.src.Token()
	if err != nil {
		logrus.WithError(err).Debug("session token unavailable")
		return false
	}
	return tok.Valid()
}

// HTTPClient implements Session. Redirects are returned to the caller instead
// of being followed, a 302 from the backend means the session is gone.
func (s *TokenSession) HTTPClient(ctx context.Context) *http.Client {
	var cl *http.Client
	if s.src == nil {
		cl = &http.Client{}
	} else {
		cl = oauth2.NewClient(ctx, s.src)
	}
	cl.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return cl
}

// Navigator sends the user back to the authentication entry point.
type Navigator interface {
	ToEntryPoint() error
}

// BrowserNavigator opens the entry point in the user's browser.
type BrowserNavigator struct {
	URL string
}

// ToEntryPoint implements Navigator.
func (n BrowserNavigator) ToEntryPoint() error {
	if n.URL == "" {
		return xerrors.New("no authentication entry point configured")
	}
	logrus.WithField("url", n.URL).Info("session expired, opening the login page")
	if err := browser.OpenURL(n.URL); err != nil {
		return xerrors.Errorf("opening %s: %w", n.URL, err)
	}
	return nil
}
