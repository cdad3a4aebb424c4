package util

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

func TestNewTitleShape(t *testing.T) {
	for i := 0; i < 1000; i++ {
		title := NewTitle()
		if !IsTitle(title) {
			t.Fatalf("NewTitle() = %q is not a valid title", title)
		}
	}
}

func TestIsTitle(t *testing.T) {
	for _, s := range []string{"abc", "abcde", "ab1d", "ab d", "ÄBCD"} {
		if IsTitle(s) {
			t.Errorf("IsTitle(%q) = true", s)
		}
	}
	if !IsTitle("AbZz") {
		t.Error("IsTitle(\"AbZz\") = false")
	}
}

func TestGenTitleRetriesOnCollision(t *testing.T) {
	calls := 0
	title, used, err := GenTitle(context.Background(), MaxTitleAttempts, func(ctx context.Context, s string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if used != 3 || calls != 3 {
		t.Errorf("used %d attempts over %d calls, want 3", used, calls)
	}
	if !IsTitle(title) {
		t.Errorf("bad title %q", title)
	}
}

func TestGenTitleExhausted(t *testing.T) {
	_, used, err := GenTitle(context.Background(), 5, func(ctx context.Context, s string) (bool, error) {
		return true, nil
	})
	if !errors.Is(err, ErrTitleSpaceExhausted) {
		t.Fatalf("err = %v", err)
	}
	if used != 5 {
		t.Errorf("used = %d, want 5", used)
	}
}

func TestGenTitlePropagatesStoreError(t *testing.T) {
	boom := errors.New("db down")
	_, _, err := GenTitle(context.Background(), 5, func(ctx context.Context, s string) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped db error", err)
	}
}

func TestGenTitleCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := GenTitle(ctx, 5, func(ctx context.Context, s string) (bool, error) {
		t.Fatal("exists called after cancel")
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
