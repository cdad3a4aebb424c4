package lim

import (
	"testing"
	"time"
)

func TestReadLimiterBurstThenDeny(t *testing.T) {
	l := NewReadLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if r := l.Allow("1.1.1.1", epoch); !r.Allowed {
			t.Fatalf("burst call %d denied", i+1)
		}
	}
	if r := l.Allow("1.1.1.1", epoch); r.Allowed {
		t.Fatal("call past burst admitted")
	}
	if r := l.Allow("1.1.1.1", epoch.Add(time.Second)); !r.Allowed {
		t.Fatal("token should refill after 1s at 1 rps")
	}
	if r := l.Allow("2.2.2.2", epoch); !r.Allowed {
		t.Fatal("separate ip denied")
	}
}

func TestReadLimiterSweep(t *testing.T) {
	l := NewReadLimiter(10, 10)
	l.Allow("1.1.1.1", epoch)
	l.Allow("2.2.2.2", epoch.Add(20*time.Minute))
	if n := l.Sweep(epoch.Add(31 * time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
}
