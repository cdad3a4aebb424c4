package auth

import (
	"context"
	"snipbin/metrics"
	"snipbin/pkg/domain"
	"snipbin/svc/util"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string, now time.Time) (*domain.User, error)
	GetUserByName(ctx context.Context, username string) (*domain.User, error)
	UpdateUserPassword(ctx context.Context, id int64, passwordHash string, now time.Time) error
	DeleteUser(ctx context.Context, id int64) (int, error)
}

// PasteRemover deletes every paste a user owns.
type PasteRemover interface {
	DeleteOwned(ctx context.Context, userID int64) (int, error)
}

type Accounts struct {
	users          UserStore
	pastes         PasteRemover
	hasher         *Hasher
	usernameMaxLen int
	now            func() time.Time
}

func NewAccounts(users UserStore, pastes PasteRemover, hasher *Hasher, usernameMaxLen int) *Accounts {
	return &Accounts{
		users:          users,
		pastes:         pastes,
		hasher:         hasher,
		usernameMaxLen: usernameMaxLen,
		now:            time.Now,
	}
}

func (a *Accounts) Register(ctx context.Context, username, password string) (*domain.User, error) {
	if n := utf8.RuneCountInString(username); n == 0 || n > a.usernameMaxLen {
		return nil, domain.ErrUsernameInvalid
	}
	if password == "" {
		return nil, domain.ErrPasswordInvalid
	}
	if len(password) > maxPasswordLength {
		return nil, domain.ErrPasswordInvalid
	}
	hash, err := a.hasher.Hash(ctx, password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	u, err := a.users.CreateUser(ctx, username, hash, a.now())
	if errors.Is(err, domain.ErrUsernameInUse) {
		metrics.AccountOps.WithLabelValues("register", "taken").Inc()
		return nil, domain.ErrUsernameTaken
	}
	if err != nil {
		return nil, err
	}
	metrics.AccountOps.WithLabelValues("register", "ok").Inc()
	util.Info().Int64("user_id", u.ID).Msg("user registered")
	return u, nil
}

// Login checks credentials. Unknown users and wrong passwords produce the
// same error and cost the same argon2 work.
func (a *Accounts) Login(ctx context.Context, username, password string) (*domain.User, error) {
	u, err := a.users.GetUserByName(ctx, username)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return nil, err
	}
	encoded := ""
	if u != nil {
		encoded = u.PasswordHash
	}
	match, needsRehash, err := a.hasher.Verify(ctx, password, encoded)
	if err != nil {
		return nil, errors.Wrap(err, "verify password")
	}
	if u == nil || !match {
		metrics.AccountOps.WithLabelValues("login", "denied").Inc()
		return nil, domain.ErrInvalidCredentials
	}
	if needsRehash {
		a.rehash(ctx, u, password)
	}
	metrics.AccountOps.WithLabelValues("login", "ok").Inc()
	return u, nil
}

func (a *Accounts) rehash(ctx context.Context, u *domain.User, password string) {
	hash, err := a.hasher.Hash(ctx, password)
	if err == nil {
		err = a.users.UpdateUserPassword(ctx, u.ID, hash, a.now())
	}
	if err != nil {
		util.Warn().Err(err).Int64("user_id", u.ID).Msg("password rehash failed")
		return
	}
	u.PasswordHash = hash
	util.Info().Int64("user_id", u.ID).Msg("password rehashed with current parameters")
}

// Delete removes the account and every paste it owns.
func (a *Accounts) Delete(ctx context.Context, userID int64) error {
	n, err := a.users.DeleteUser(ctx, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrUnauthorized
	}
	removed, err := a.pastes.DeleteOwned(ctx, userID)
	if err != nil {
		return errors.Wrap(err, "delete owned pastes")
	}
	metrics.AccountOps.WithLabelValues("delete", "ok").Inc()
	util.Info().Int64("user_id", userID).Int("pastes", removed).Msg("account deleted")
	return nil
}
