package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestIssueAndRotateChain(t *testing.T) {
	led := NewInMemory()
	ctx := context.Background()

	grant, err := led.IssueFamily(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueFamily: %v", err)
	}
	if grant.FamilyID == "" || grant.RefreshToken == "" {
		t.Fatal("empty grant")
	}

	// Rotate three times; each token works exactly once and the family
	// identity stays stable across the chain.
	tok := grant.RefreshToken
	for i := 0; i < 3; i++ {
		next, err := led.Rotate(ctx, tok)
		if err != nil {
			t.Fatalf("Rotate #%d: %v", i, err)
		}
		if next.FamilyID != grant.FamilyID {
			t.Fatalf("family changed: %s != %s", next.FamilyID, grant.FamilyID)
		}
		if next.RefreshToken == tok {
			t.Fatal("rotation returned the same token")
		}
		tok = next.RefreshToken
	}
}

func TestRotateReuseRevokesFamily(t *testing.T) {
	led := NewInMemory()
	ctx := context.Background()

	grant, err := led.IssueFamily(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueFamily: %v", err)
	}
	next, err := led.Rotate(ctx, grant.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Replaying the rotated-away token is theft: the family dies.
	if _, err := led.Rotate(ctx, grant.RefreshToken); !errors.Is(err, ErrReuseDetected) {
		t.Fatalf("expected ErrReuseDetected, got %v", err)
	}

	// Even the legitimate current token is dead afterwards.
	if _, err := led.Rotate(ctx, next.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	led := NewInMemory()
	ctx := context.Background()

	grant, err := led.IssueFamily(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueFamily: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = led.Rotate(ctx, grant.RefreshToken)
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRotateExpired(t *testing.T) {
	now := time.Now()
	led := NewInMemory(
		WithTTL(time.Hour),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	grant, err := led.IssueFamily(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueFamily: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := led.Rotate(ctx, grant.RefreshToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRotateMalformedToken(t *testing.T) {
	led := NewInMemory()
	for _, raw := range []string{"", "nodot", ".secret", "family.", "not-a-family-id.secret"} {
		if _, err := led.Rotate(context.Background(), raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", raw, err)
		}
	}
}

func TestRevokeByToken(t *testing.T) {
	led := NewInMemory()
	ctx := context.Background()

	grant, err := led.IssueFamily(ctx, "user-1")
	if err != nil {
		t.Fatalf("IssueFamily: %v", err)
	}
	if err := led.RevokeByToken(ctx, grant.RefreshToken); err != nil {
		t.Fatalf("RevokeByToken: %v", err)
	}
	if _, err := led.Rotate(ctx, grant.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	led := NewInMemory()
	ctx := context.Background()

	a, _ := led.IssueFamily(ctx, "user-1")
	b, _ := led.IssueFamily(ctx, "user-1")
	other, _ := led.IssueFamily(ctx, "user-2")

	if err := led.RevokeAllForUser(ctx, "user-1"); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if _, err := led.Rotate(ctx, a.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("family a: expected ErrRevoked, got %v", err)
	}
	if _, err := led.Rotate(ctx, b.RefreshToken); !errors.Is(err, ErrRevoked) {
		t.Fatalf("family b: expected ErrRevoked, got %v", err)
	}
	if _, err := led.Rotate(ctx, other.RefreshToken); err != nil {
		t.Fatalf("unrelated user revoked: %v", err)
	}
}
