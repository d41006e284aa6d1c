package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/claim.lua
var claimScript string

//go:embed scripts/complete_claim.lua
var completeClaimScript string

//go:embed scripts/release_claim.lua
var releaseClaimScript string

// ClaimState is the outcome of claiming an idempotency key
type ClaimState int

const (
	// ClaimAcquired means the caller owns the key and must complete or release it
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another request holds the key
	ClaimInFlight
	// ClaimCompleted means the key already has a stored response
	ClaimCompleted
)

// StoredResponse is the response recorded against a completed key
type StoredResponse struct {
	Status      int
	ContentType string
	Body        []byte
}

// Claim is the result of Claim
type Claim struct {
	State    ClaimState
	Token    string
	Response *StoredResponse
}

type Client struct {
	rdb            *redis.Client
	claimScript    *redis.Script
	completeScript *redis.Script
	releaseScript  *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:            rdb,
		claimScript:    redis.NewScript(claimScript),
		completeScript: redis.NewScript(completeClaimScript),
		releaseScript:  redis.NewScript(releaseClaimScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}

// Claim atomically claims key for ttl. A fresh claim returns a token that
// Complete and Release must present.
func (c *Client) Claim(ctx context.Context, key string, ttl time.Duration) (*Claim, error) {
	token := uuid.New().String()

	result, err := c.claimScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, token, ttl.Milliseconds()).Result()
	if errors.Is(err, redis.Nil) {
		return &Claim{State: ClaimAcquired, Token: token}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim script failed: %w", err)
	}

	fields, ok := result.([]interface{})
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("unexpected claim script result %T", result)
	}

	if str(fields[0]) != "completed" {
		return &Claim{State: ClaimInFlight}, nil
	}

	status, err := strconv.Atoi(str(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("invalid stored status: %w", err)
	}
	return &Claim{
		State: ClaimCompleted,
		Response: &StoredResponse{
			Status:      status,
			ContentType: str(fields[2]),
			Body:        []byte(str(fields[3])),
		},
	}, nil
}

// Complete stores the response against a claim this caller still owns
func (c *Client) Complete(ctx context.Context, key, token string, resp StoredResponse, ttl time.Duration) (bool, error) {
	n, err := c.completeScript.Run(ctx, c.rdb, []string{idempotencyKey(key)},
		token, resp.Status, resp.ContentType, string(resp.Body), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("complete claim script failed: %w", err)
	}
	return n == 1, nil
}

// Release drops a claim this caller still owns so the key can be retried
func (c *Client) Release(ctx context.Context, key, token string) error {
	if _, err := c.releaseScript.Run(ctx, c.rdb, []string{idempotencyKey(key)}, token).Result(); err != nil {
		return fmt.Errorf("release claim script failed: %w", err)
	}
	return nil
}

func str(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
