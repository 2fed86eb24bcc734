// Package distributed describes the process group a training worker belongs
// to and launches simulated multi-device runs in one process.
package distributed

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// EnvURL makes Resolve read the rank and world size from RANK and WORLD_SIZE.
const EnvURL = "env://"

// Group identifies one worker. A WorldSize of 1 or less is a single-process run.
type Group struct {
	Rank      int
	WorldSize int
}

// Single is the group of a non-distributed run.
func Single() Group {
	return Group{Rank: 0, WorldSize: 1}
}

// IsPrimary reports whether this worker owns the log files and checkpoints.
func (g Group) IsPrimary() bool {
	return g.Rank <= 0
}

// Distributed reports whether more than one worker takes part.
func (g Group) Distributed() bool {
	return g.WorldSize > 1
}

// String formats the group as "rank r/w".
func (g Group) String() string {
	return fmt.Sprintf("rank %d/%d", g.Rank, g.WorldSize)
}

// Resolve combines configured values with the environment. With distURL set
// to env://, a world size of -1 or a rank of -1 is taken from WORLD_SIZE and
// RANK respectively.
func Resolve(rank, worldSize int, distURL string) (Group, error) {
	if distURL == EnvURL {
		if worldSize == -1 {
			v, err := envInt("WORLD_SIZE")
			if err != nil {
				return Group{}, err
			}
			worldSize = v
		}
		if rank == -1 {
			v, err := envInt("RANK")
			if err != nil {
				return Group{}, err
			}
			rank = v
		}
	}

	if worldSize <= 0 {
		worldSize = 1
	}
	if rank < 0 {
		rank = 0
	}
	if rank >= worldSize {
		return Group{}, fmt.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	return Group{Rank: rank, WorldSize: worldSize}, nil
}

func envInt(name string) (int, error) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, fmt.Errorf("%s is not set", name)
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return v, nil
}

// Launch runs fn once per worker of a group of n, concurrently. The first
// error cancels the context passed to the remaining workers and is returned.
func Launch(ctx context.Context, n int, fn func(ctx context.Context, g Group) error) error {
	if n <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", n)
	}
	group, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < n; rank++ {
		g := Group{Rank: rank, WorldSize: n}
		group.Go(func() error {
			if err := fn(ctx, g); err != nil {
				return fmt.Errorf("%s: %w", g, err)
			}
			return nil
		})
	}
	return group.Wait()
}
