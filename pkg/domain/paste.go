package domain

import (
	"time"
)

type Visibility string

const (
	Public   Visibility = "Public"
	Unlisted Visibility = "Unlisted"
	Private  Visibility = "Private"
)

func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case "":
		return Public, nil
	case Public, Unlisted, Private:
		return Visibility(s), nil
	}
	return "", ErrInvalidVisibility
}

type Paste struct {
	ID          int64
	Title       string
	Content     string
	Visibility  Visibility
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Expiration  *time.Time
	IsEncrypted bool
	UserID      *int64
	IsUserPaste bool
}

// Expired reports whether the paste is logically dead at now.
func (p *Paste) Expired(now time.Time) bool {
	return p.Expiration != nil && !p.Expiration.After(now)
}

func (p *Paste) OwnedBy(userID int64) bool {
	return p.UserID != nil && *p.UserID == userID
}

type CreateParams struct {
	Content     string
	Visibility  string
	Expiration  string
	IsEncrypted bool
	CallerID    *int64
}
