package blob

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

type countingCredential struct {
	calls   int32
	ttl     time.Duration
	now     func() time.Time
	fail    error
	barrier chan struct{}
}

func (c *countingCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	n := atomic.AddInt32(&c.calls, 1)
	if c.barrier != nil {
		<-c.barrier
	}
	if c.fail != nil {
		return azcore.AccessToken{}, c.fail
	}
	if len(opts.Scopes) != 1 || opts.Scopes[0] != StorageScope {
		return azcore.AccessToken{}, errors.New("unexpected scopes")
	}
	return azcore.AccessToken{Token: "tok-" + string(rune('0'+n)), ExpiresOn: c.now().Add(c.ttl)}, nil
}

func TestTokenCacheReusesFreshToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cred := &countingCredential{ttl: time.Hour, now: func() time.Time { return now }}
	cache := NewTokenCache(cred, time.Minute)
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tok, err := cache.Token(context.Background())
		if err != nil || tok != "tok-1" {
			t.Fatalf("token=%q err=%v", tok, err)
		}
	}
	if cred.calls != 1 {
		t.Fatalf("credential called %d times, want 1", cred.calls)
	}

	now = now.Add(59*time.Minute + time.Second)
	tok, _ := cache.Token(context.Background())
	if tok != "tok-2" || cred.calls != 2 {
		t.Fatalf("expected refresh within skew, token=%q calls=%d", tok, cred.calls)
	}
}

func TestTokenCacheRefreshesOnceUnderContention(t *testing.T) {
	now := time.Now()
	cred := &countingCredential{ttl: time.Hour, now: func() time.Time { return now }, barrier: make(chan struct{})}
	cache := NewTokenCache(cred, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Token(context.Background()); err != nil {
				t.Errorf("token: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(cred.barrier)
	wg.Wait()

	if cred.calls != 1 {
		t.Fatalf("credential called %d times, want 1", cred.calls)
	}
}

func TestTokenCachePropagatesErrors(t *testing.T) {
	boom := errors.New("aad down")
	cache := NewTokenCache(&countingCredential{fail: boom, now: time.Now}, 0)
	if _, err := cache.Token(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped aad error, got %v", err)
	}
}
