// Package auth provides the current-user identity consumed by the call and
// relay layers. Absence of a user is an immediate Unauthenticated failure;
// nothing in this package talks to the network.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/errs"
	"github.com/parley-chat/parley/internal/util"
)

// User identifies the local account.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider yields the current user, or an Unauthenticated error when there is
// no active session.
type Provider interface {
	CurrentUser() (*User, error)
}

// TokenSource additionally exposes the bearer token used to authenticate the
// realtime connections.
type TokenSource interface {
	Token() string
}

// Identity is a file-backed Provider: a profile.json inside the client
// directory holding the user id, display name and session token.
type Identity struct {
	user  User
	token string
	path  string
}

type profileFile struct {
	User  User   `json:"user"`
	Token string `json:"token"`
}

// LoadIdentity reads path, creating a fresh identity there when the file does
// not exist yet. A created identity has a random ID and the directory base
// name as display name; the token stays empty until SetToken is called after
// login.
func LoadIdentity(path string) (*Identity, error) {
	var pf profileFile
	if err := util.ReadJSONFile(path, &pf); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read identity %s: %w", path, err)
		}
		pf = profileFile{User: User{
			ID:   uuid.NewString(),
			Name: filepath.Base(filepath.Dir(path)),
		}}
		if err := util.WriteJSONFile(path, &pf); err != nil {
			return nil, fmt.Errorf("create identity %s: %w", path, err)
		}
	}
	if strings.TrimSpace(pf.User.ID) == "" {
		return nil, fmt.Errorf("identity %s: empty user id", path)
	}
	return &Identity{user: pf.User, token: pf.Token, path: path}, nil
}

func (i *Identity) CurrentUser() (*User, error) {
	u := i.user
	return &u, nil
}

func (i *Identity) Token() string { return i.token }

// SetToken stores a new session token and persists it.
func (i *Identity) SetToken(token string) error {
	i.token = token
	return util.WriteJSONFile(i.path, &profileFile{User: i.user, Token: token})
}

// Static is a fixed Provider, mainly for tests. A nil User yields
// Unauthenticated.
type Static struct {
	User      *User
	AuthToken string
}

func (s *Static) CurrentUser() (*User, error) {
	if s.User == nil {
		return nil, errs.New(errs.Unauthenticated, "no active user session")
	}
	return s.User, nil
}

func (s *Static) Token() string { return s.AuthToken }
