package credential

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/yansir/kiro-gateway/internal/store"
)

func TestSingleflightCoalescesConcurrentCallsForSameKey(t *testing.T) {
	sf := newSingleflight()
	var executions int32
	start := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]store.Credentials, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			v, _ := sf.Do("upstream-1", func() (store.Credentials, error) {
				atomic.AddInt32(&executions, 1)
				return store.Credentials{AccessToken: "refreshed-once"}, nil
			})
			results[idx] = v
		}(i)
	}
	close(start)
	wg.Wait()

	if executions != 1 {
		t.Fatalf("expected exactly 1 execution of fn, got %d", executions)
	}
	for _, r := range results {
		if r.AccessToken != "refreshed-once" {
			t.Fatalf("expected every waiter to observe the same result, got %q", r.AccessToken)
		}
	}
}

func TestSingleflightRunsSeparatelyForDistinctKeys(t *testing.T) {
	sf := newSingleflight()
	var executions int32

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			sf.Do(k, func() (store.Credentials, error) {
				atomic.AddInt32(&executions, 1)
				return store.Credentials{}, nil
			})
		}(key)
	}
	wg.Wait()

	if executions != 2 {
		t.Fatalf("expected 2 distinct executions for 2 distinct keys, got %d", executions)
	}
}

func TestSingleflightPropagatesError(t *testing.T) {
	sf := newSingleflight()
	wantErr := assertError{"boom"}

	_, err := sf.Do("k", func() (store.Credentials, error) {
		return store.Credentials{}, wantErr
	})
	if err != wantErr {
		t.Fatalf("expected error to propagate unchanged, got %v", err)
	}
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
