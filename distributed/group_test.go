package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestGroupPrimary(t *testing.T) {
	tests := []struct {
		group       Group
		primary     bool
		distributed bool
	}{
		{Single(), true, false},
		{Group{Rank: 0, WorldSize: 4}, true, true},
		{Group{Rank: 3, WorldSize: 4}, false, true},
		{Group{Rank: -1, WorldSize: -1}, true, false},
	}
	for _, tt := range tests {
		if got := tt.group.IsPrimary(); got != tt.primary {
			t.Errorf("%v IsPrimary = %v, want %v", tt.group, got, tt.primary)
		}
		if got := tt.group.Distributed(); got != tt.distributed {
			t.Errorf("%v Distributed = %v, want %v", tt.group, got, tt.distributed)
		}
	}
}

func TestResolveFromEnvironment(t *testing.T) {
	t.Setenv("RANK", "2")
	t.Setenv("WORLD_SIZE", "4")

	g, err := Resolve(-1, -1, EnvURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if g.Rank != 2 || g.WorldSize != 4 {
		t.Errorf("got %+v, want rank 2 of 4", g)
	}

	// explicit values win over the environment
	g, err = Resolve(1, 2, EnvURL)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if g.Rank != 1 || g.WorldSize != 2 {
		t.Errorf("got %+v, want rank 1 of 2", g)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Setenv("WORLD_SIZE", "two")
	if _, err := Resolve(0, -1, EnvURL); err == nil {
		t.Error("expected error for malformed WORLD_SIZE")
	}
	if _, err := Resolve(3, 2, ""); err == nil {
		t.Error("expected error for rank outside the world")
	}

	g, err := Resolve(-1, -1, "tcp://127.0.0.1:23456")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if g != Single() {
		t.Errorf("got %+v, want single process", g)
	}
}

func TestLaunchRunsEveryRank(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]int)

	err := Launch(context.Background(), 3, func(ctx context.Context, g Group) error {
		mu.Lock()
		defer mu.Unlock()
		seen[g.Rank] = g.WorldSize
		return nil
	})
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("ran %d workers, want 3", len(seen))
	}
	for rank, world := range seen {
		if world != 3 {
			t.Errorf("rank %d saw world size %d", rank, world)
		}
	}
}

func TestLaunchPropagatesFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := Launch(context.Background(), 2, func(ctx context.Context, g Group) error {
		if g.Rank == 1 {
			return boom
		}
		<-ctx.Done()
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}

	if err := Launch(context.Background(), 0, nil); err == nil {
		t.Error("expected error for zero workers")
	}
}
