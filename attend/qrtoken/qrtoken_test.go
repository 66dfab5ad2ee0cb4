package qrtoken_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/qrtoken"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := qrtoken.New("")
	assert.Error(t, err, "empty secret is rejected")

	m, err := qrtoken.New(testSecret)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestMinter_RoundTrip(t *testing.T) {
	t.Parallel()

	m, err := qrtoken.New(testSecret)
	require.NoError(t, err)

	tok, expiry, err := m.Mint("sess-1", qrtoken.KindSingle)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.WithinDuration(t, time.Now().Add(qrtoken.TTL), expiry, time.Second)

	claims, err := m.Verify(tok, qrtoken.KindSingle)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SID)
	assert.Equal(t, qrtoken.KindSingle, claims.Kind)
	assert.Equal(t, expiry, claims.Expiry())

	// Tokens are not single-use; a second verify succeeds.
	_, err = m.Verify(tok, qrtoken.KindSingle)
	assert.NoError(t, err)
}

func TestMinter_VerifyAcrossProcesses(t *testing.T) {
	t.Parallel()

	// A token minted by one worker verifies on another through the
	// signature path, without a cache entry.
	minter, err := qrtoken.New(testSecret)
	require.NoError(t, err)
	verifier, err := qrtoken.New(testSecret)
	require.NoError(t, err)

	tok, _, err := minter.Mint("sess-1", qrtoken.KindGroup)
	require.NoError(t, err)

	claims, err := verifier.Verify(tok, qrtoken.KindGroup)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.SID)
}

func TestMinter_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := &now
	m, err := qrtoken.New(testSecret, qrtoken.WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)

	tok, _, err := m.Mint("sess-1", qrtoken.KindSingle)
	require.NoError(t, err)

	// Still inside the grace window.
	later := now.Add(qrtoken.TTL - time.Second)
	clock = &later
	_, err = m.Verify(tok, qrtoken.KindSingle)
	assert.NoError(t, err)

	// Past the window, from cache.
	expired := now.Add(qrtoken.TTL + time.Second)
	clock = &expired
	_, err = m.Verify(tok, qrtoken.KindSingle)
	assert.True(t, errors.Is(err, attend.ErrTokenExpired))

	// And past the window through the signature path.
	fresh, err := qrtoken.New(testSecret, qrtoken.WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)
	_, err = fresh.Verify(tok, qrtoken.KindSingle)
	assert.True(t, errors.Is(err, attend.ErrTokenExpired))
}

func TestMinter_VerifyFailures(t *testing.T) {
	t.Parallel()

	m, err := qrtoken.New(testSecret)
	require.NoError(t, err)

	tok, _, err := m.Mint("sess-1", qrtoken.KindSingle)
	require.NoError(t, err)

	t.Run("wrong kind", func(t *testing.T) {
		_, err := m.Verify(tok, qrtoken.KindGroup)
		assert.True(t, errors.Is(err, attend.ErrTokenWrongKind))
	})

	t.Run("tampered signature", func(t *testing.T) {
		other, err := qrtoken.New("another-secret-another-secret-ab")
		require.NoError(t, err)
		forged, _, err := other.Mint("sess-1", qrtoken.KindSingle)
		require.NoError(t, err)

		_, err = m.Verify(forged, qrtoken.KindSingle)
		assert.True(t, errors.Is(err, attend.ErrTokenBadSignature))
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := m.Verify("not-a-token", qrtoken.KindSingle)
		assert.True(t, errors.Is(err, attend.ErrTokenNotFound))
	})
}

func TestMinter_InvalidateBySession(t *testing.T) {
	t.Parallel()

	m, err := qrtoken.New(testSecret)
	require.NoError(t, err)

	t1, _, err := m.Mint("sess-1", qrtoken.KindSingle)
	require.NoError(t, err)
	t2, _, err := m.Mint("sess-1", qrtoken.KindSingle)
	require.NoError(t, err)
	t3, _, err := m.Mint("sess-2", qrtoken.KindSingle)
	require.NoError(t, err)

	require.Equal(t, 3, m.CachedTokens())
	m.InvalidateBySession("sess-1")
	assert.Equal(t, 1, m.CachedTokens())

	// Dropped tokens still verify by signature until their window closes;
	// the store-side token check is what retires the session.
	_, err = m.Verify(t1, qrtoken.KindSingle)
	assert.NoError(t, err)
	_, err = m.Verify(t2, qrtoken.KindSingle)
	assert.NoError(t, err)
	_, err = m.Verify(t3, qrtoken.KindSingle)
	assert.NoError(t, err)
}

func TestMinter_Sweep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := &now
	m, err := qrtoken.New(testSecret, qrtoken.WithClock(func() time.Time { return *clock }))
	require.NoError(t, err)

	_, _, err = m.Mint("sess-1", qrtoken.KindSingle)
	require.NoError(t, err)
	_, _, err = m.Mint("sess-2", qrtoken.KindSingle)
	require.NoError(t, err)

	assert.Zero(t, m.Sweep(), "nothing expired yet")

	later := now.Add(qrtoken.TTL + time.Second)
	clock = &later
	assert.Equal(t, 2, m.Sweep())
	assert.Zero(t, m.CachedTokens())
}
