package domain

import (
	"fmt"
	"time"
)

const isoLayout = "2006-01-02T15:04:05.999999Z07:00"

// Payload is the JSON shape clients depend on. Key names are part of the
// public contract.
type Payload struct {
	ID          int64   `json:"ID"`
	Title       string  `json:"Title"`
	Content     string  `json:"Content"`
	CreatedAt   *string `json:"CreatedAt"`
	UpdatedAt   *string `json:"UpdatedAt"`
	Expiration  *string `json:"Expiration"`
	Visibility  string  `json:"Visibility"`
	IsEncrypted bool    `json:"IsEncrypted"`
	UserID      *int64  `json:"UserID"`
	IsUserPaste bool    `json:"IsUserPaste"`
}

type OwnerPayload struct {
	Title     string  `json:"Title"`
	Content   string  `json:"Content"`
	CreatedAt *string `json:"CreatedAt"`
}

func NewPayload(p *Paste) Payload {
	return Payload{
		ID:          p.ID,
		Title:       p.Title,
		Content:     p.Content,
		CreatedAt:   ISOTime(p.CreatedAt),
		UpdatedAt:   ISOTime(p.UpdatedAt),
		Expiration:  isoPtr(p.Expiration),
		Visibility:  string(p.Visibility),
		IsEncrypted: p.IsEncrypted,
		UserID:      p.UserID,
		IsUserPaste: p.IsUserPaste,
	}
}

func NewOwnerPayload(p *Paste) OwnerPayload {
	return OwnerPayload{
		Title:     p.Title,
		Content:   p.Content,
		CreatedAt: ISOTime(p.CreatedAt),
	}
}

// ISOTime formats t in UTC with a literal Z suffix and microsecond precision.
// The zero time maps to nil.
func ISOTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Truncate(time.Microsecond).Format(isoLayout)
	return &s
}

func isoPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return ISOTime(*t)
}

var expiryUnits = []struct {
	size time.Duration
	name string
}{
	{24 * time.Hour, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
	{time.Second, "second"},
}

// ExpiresIn renders a relative label using only the largest whole unit:
// "Never" for no expiry, "" once due, otherwise e.g. "in 2 days".
func ExpiresIn(exp *time.Time, now time.Time) string {
	if exp == nil {
		return "Never"
	}
	secs := int64(exp.Sub(now) / time.Second)
	if secs <= 0 {
		return ""
	}
	for _, u := range expiryUnits {
		n := secs / int64(u.size/time.Second)
		if n > 0 {
			if n == 1 {
				return fmt.Sprintf("in 1 %s", u.name)
			}
			return fmt.Sprintf("in %d %ss", n, u.name)
		}
	}
	return ""
}
