package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arthurlutz/pantalaimon/internal/shadowclient"
)

// fakeSynced is a minimal re-armable broadcast matching the "synced"
// edge contract, independent of the real shadowclient implementation.
type fakeSynced struct {
	mu sync.Mutex
	ch chan struct{}
}

func newFakeSynced() *fakeSynced { return &fakeSynced{ch: make(chan struct{})} }

func (f *fakeSynced) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

func (f *fakeSynced) Fire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.ch)
	f.ch = make(chan struct{})
}

type fakeDecryptor struct {
	mu           sync.Mutex
	strictFails  int // number of strict calls that should fail before succeeding
	strictCalls  int
	lenientCalls int
	synced       *fakeSynced
}

func (f *fakeDecryptor) DecryptSyncBody(body json.RawMessage, opts shadowclient.DecryptOptions) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if opts.Lenient {
		f.lenientCalls++
		return json.RawMessage(`{"lenient":true}`), nil
	}

	f.strictCalls++
	if f.strictCalls <= f.strictFails {
		return nil, errors.New("undecryptable event")
	}
	return json.RawMessage(`{"decrypted":true}`), nil
}

func (f *fakeDecryptor) DecryptMessagesBody(body json.RawMessage, opts shadowclient.DecryptOptions) (json.RawMessage, error) {
	return f.DecryptSyncBody(body, opts)
}

func (f *fakeDecryptor) Synced() interface{ Wait() <-chan struct{} } {
	return f.synced
}

func TestDecrypt_SucceedsOnFirstStrictAttempt(t *testing.T) {
	d := &fakeDecryptor{synced: newFakeSynced()}
	c := New(time.Second, nil)

	out, err := c.Decrypt(context.Background(), d, ModeSync, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"decrypted":true}`, string(out))
	assert.Equal(t, 0, d.lenientCalls)
}

func TestDecrypt_RetriesOnSyncedEdgeThenSucceeds(t *testing.T) {
	// spec.md §8 scenario 3: key race resolved by a later sync round.
	d := &fakeDecryptor{synced: newFakeSynced(), strictFails: 1}
	c := New(time.Second, nil)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.synced.Fire()
		close(done)
	}()

	out, err := c.Decrypt(context.Background(), d, ModeSync, json.RawMessage(`{}`))
	<-done

	require.NoError(t, err)
	assert.JSONEq(t, `{"decrypted":true}`, string(out))
	assert.Equal(t, 0, d.lenientCalls)
	assert.GreaterOrEqual(t, d.strictCalls, 2)
}

func TestDecrypt_TimesOutToLenientFallback(t *testing.T) {
	// spec.md §8 scenario 4: key never arrives, lenient pass returns.
	d := &fakeDecryptor{synced: newFakeSynced(), strictFails: 1000}
	c := New(30*time.Millisecond, nil)

	out, err := c.Decrypt(context.Background(), d, ModeSync, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"lenient":true}`, string(out))
	assert.Equal(t, 1, d.lenientCalls)
}

func TestDecrypt_CancelSafe(t *testing.T) {
	// A canceled caller context must unblock the coordinator promptly
	// (it falls through to the one final lenient attempt rather than
	// waiting out the full decryption_timeout) and must not touch
	// shared shadow-client state beyond that single lenient call.
	d := &fakeDecryptor{synced: newFakeSynced(), strictFails: 1000}
	c := New(time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Decrypt(ctx, d, ModeSync, json.RawMessage(`{}`))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 500*time.Millisecond, "cancellation should not wait for the full timeout")
	assert.Equal(t, 1, d.lenientCalls)
}
