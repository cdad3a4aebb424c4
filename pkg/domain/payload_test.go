package domain

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestPayloadKeysAndTimestamps(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.FixedZone("CET", 3600))
	uid := int64(7)
	p := &Paste{
		ID:          3,
		Title:       "AbCd",
		Content:     "hello",
		Visibility:  Public,
		CreatedAt:   created,
		UpdatedAt:   created,
		UserID:      &uid,
		IsUserPaste: true,
	}
	b, err := json.Marshal(NewPayload(p))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"ID", "Title", "Content", "CreatedAt", "UpdatedAt", "Expiration", "Visibility", "IsEncrypted", "UserID", "IsUserPaste"} {
		if _, ok := m[k]; !ok {
			t.Errorf("payload missing key %q: %s", k, b)
		}
	}
	if got := m["CreatedAt"]; got != "2024-03-01T11:30:00.123456Z" {
		t.Errorf("CreatedAt = %v", got)
	}
	if m["Expiration"] != nil {
		t.Errorf("Expiration = %v, want null", m["Expiration"])
	}
}

func TestISOTimeUsesZSuffix(t *testing.T) {
	s := ISOTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if s == nil || *s != "2024-01-02T03:04:05Z" {
		t.Fatalf("ISOTime = %v", s)
	}
	if strings.Contains(*s, "+00:00") {
		t.Errorf("unexpected offset in %s", *s)
	}
	if ISOTime(time.Time{}) != nil {
		t.Error("zero time should format as nil")
	}
}

func TestExpiresIn(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	tests := []struct {
		exp  *time.Time
		want string
	}{
		{nil, "Never"},
		{at(-time.Minute), ""},
		{at(500 * time.Millisecond), ""},
		{at(time.Second), "in 1 second"},
		{at(59 * time.Second), "in 59 seconds"},
		{at(90 * time.Second), "in 1 minute"},
		{at(3 * time.Hour), "in 3 hours"},
		{at(51 * time.Hour), "in 2 days"},
		{at(24 * time.Hour), "in 1 day"},
	}
	for _, tt := range tests {
		if got := ExpiresIn(tt.exp, now); got != tt.want {
			t.Errorf("ExpiresIn(%v) = %q, want %q", tt.exp, got, tt.want)
		}
	}
}

func TestParseVisibility(t *testing.T) {
	if v, err := ParseVisibility(""); err != nil || v != Public {
		t.Errorf("empty visibility = %v, %v", v, err)
	}
	for _, s := range []string{"Public", "Unlisted", "Private"} {
		if _, err := ParseVisibility(s); err != nil {
			t.Errorf("ParseVisibility(%q) = %v", s, err)
		}
	}
	if _, err := ParseVisibility("public"); err != ErrInvalidVisibility {
		t.Errorf("lowercase visibility err = %v", err)
	}
}

func TestStatusUnwrapsWrappedErr(t *testing.T) {
	err := errors.Wrap(ErrForbidden, "delete")
	if Status(err) != http.StatusForbidden {
		t.Errorf("Status = %d", Status(err))
	}
	if Message(errors.New("boom")) != "internal error" {
		t.Errorf("Message for plain error = %q", Message(errors.New("boom")))
	}
}
