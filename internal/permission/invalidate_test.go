package permission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/harborchat/harbor-server/protocol/permissions"
	"github.com/harborchat/harbor-server/protocol/snowflake"
)

// recordingCache records which invalidation paths were taken.
type recordingCache struct {
	mu         sync.Mutex
	byUser     []snowflake.ID
	byGuild    []snowflake.ID
	exactPairs [][2]snowflake.ID
}

func (r *recordingCache) Get(_ context.Context, _, _ snowflake.ID) (permissions.Permission, bool, error) {
	return 0, false, nil
}

func (r *recordingCache) Set(_ context.Context, _, _ snowflake.ID, _ permissions.Permission) error {
	return nil
}

func (r *recordingCache) DeleteByUser(_ context.Context, userID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser = append(r.byUser, userID)
	return nil
}

func (r *recordingCache) DeleteByGuild(_ context.Context, guildID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byGuild = append(r.byGuild, guildID)
	return nil
}

func (r *recordingCache) DeleteExact(_ context.Context, guildID, userID snowflake.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exactPairs = append(r.exactPairs, [2]snowflake.ID{guildID, userID})
	return nil
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()

	guildID := snowflake.ID(100)
	userID := snowflake.ID(200)

	tests := []struct {
		name      string
		payload   string
		wantUser  int
		wantGuild int
		wantExact int
	}{
		{"user only", `{"user_id":"200"}`, 1, 0, 0},
		{"guild only", `{"guild_id":"100"}`, 0, 1, 0},
		{"guild and user", `{"guild_id":"100","user_id":"200"}`, 0, 0, 1},
		{"empty message", `{}`, 0, 0, 0},
		{"malformed json", `{nope`, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cache := &recordingCache{}
			sub := &Subscriber{Cache: cache}
			sub.handleMessage(context.Background(), tt.payload)

			if len(cache.byUser) != tt.wantUser {
				t.Errorf("DeleteByUser calls = %d, want %d", len(cache.byUser), tt.wantUser)
			}
			if len(cache.byGuild) != tt.wantGuild {
				t.Errorf("DeleteByGuild calls = %d, want %d", len(cache.byGuild), tt.wantGuild)
			}
			if len(cache.exactPairs) != tt.wantExact {
				t.Errorf("DeleteExact calls = %d, want %d", len(cache.exactPairs), tt.wantExact)
			}
			if tt.wantUser == 1 && cache.byUser[0] != userID {
				t.Errorf("DeleteByUser user = %v, want %v", cache.byUser[0], userID)
			}
			if tt.wantGuild == 1 && cache.byGuild[0] != guildID {
				t.Errorf("DeleteByGuild guild = %v, want %v", cache.byGuild[0], guildID)
			}
			if tt.wantExact == 1 && (cache.exactPairs[0][0] != guildID || cache.exactPairs[0][1] != userID) {
				t.Errorf("DeleteExact pair = %v, want [%v %v]", cache.exactPairs[0], guildID, userID)
			}
		})
	}
}

func TestInvalidationRoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cache := &recordingCache{}
	sub := NewSubscriber(cache, rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx) }()

	// Give the subscriber a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	pub := NewPublisher(rdb)
	guildID := snowflake.ID(100)
	userID := snowflake.ID(200)
	if err := pub.InvalidateMember(ctx, guildID, userID); err != nil {
		t.Fatalf("InvalidateMember() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cache.mu.Lock()
		done := len(cache.exactPairs) == 1
		cache.mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.exactPairs) != 1 {
		t.Fatalf("DeleteExact calls = %d, want 1", len(cache.exactPairs))
	}
	if cache.exactPairs[0][0] != guildID || cache.exactPairs[0][1] != userID {
		t.Errorf("DeleteExact pair = %v, want [%v %v]", cache.exactPairs[0], guildID, userID)
	}
}
