package lock

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
)

type fakeAcquirer struct {
	mu    sync.Mutex
	owner map[string]string
}

func (f *fakeAcquirer) AcquireLock(_ context.Context, key, owner string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.owner[key]; held {
		return false, nil
	}
	f.owner[key] = owner
	return true, nil
}

func TestStoreLockerPassesOwner(t *testing.T) {
	f := &fakeAcquirer{owner: map[string]string{}}
	l := NewStoreLocker(f, "instance-1")

	ok, err := l.Acquire(context.Background(), "r:1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if f.owner["r:1"] != "instance-1" {
		t.Errorf("owner = %q", f.owner["r:1"])
	}
	ok, _ = l.Acquire(context.Background(), "r:1", time.Hour)
	if ok {
		t.Error("second acquire should lose")
	}
	if l.Backend() != "store" {
		t.Errorf("backend = %q", l.Backend())
	}
}

// fakeDynamo evaluates the lock condition the way dynamodb would.
type fakeDynamo struct {
	mu      sync.Mutex
	expires map[string]int64
	fail    error
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pk := in.Item["pk"].(*types.AttributeValueMemberS).Value
	now, _ := strconv.ParseInt(in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN).Value, 10, 64)
	if exp, ok := f.expires[pk]; ok && exp > now {
		return nil, &types.ConditionalCheckFailedException{Message: strPtr("condition failed")}
	}
	exp, _ := strconv.ParseInt(in.Item["expiresAt"].(*types.AttributeValueMemberN).Value, 10, 64)
	f.expires[pk] = exp
	return &dynamodb.PutItemOutput{}, nil
}

func strPtr(s string) *string { return &s }

func TestDynamoLocker(t *testing.T) {
	f := &fakeDynamo{expires: map[string]int64{}}
	now := time.Unix(1_700_000_000, 0)
	l := NewDynamoLocker(f, "claim-locks", "a")
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "r:7", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	ok, err = l.Acquire(ctx, "r:7", time.Minute)
	if err != nil {
		t.Fatalf("conditional failure must not be an error: %v", err)
	}
	if ok {
		t.Fatal("held lock acquired twice")
	}

	now = now.Add(time.Minute)
	ok, err = l.Acquire(ctx, "r:7", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after expiry = %v, %v", ok, err)
	}
}

func TestDynamoLockerError(t *testing.T) {
	f := &fakeDynamo{expires: map[string]int64{}, fail: errors.New("throttled")}
	l := NewDynamoLocker(f, "claim-locks", "a")
	if _, err := l.Acquire(context.Background(), "r:1", time.Minute); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("CLAIMER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CLAIMER_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	key := "test:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer rdb.Del(ctx, redisKeyPrefix+key)

	a := NewRedisLocker(rdb, "a")
	b := NewRedisLocker(rdb, "b")
	ok, err := a.Acquire(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire = %v, %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx, key, time.Minute); ok {
		t.Fatal("second owner took held lock")
	}
}
