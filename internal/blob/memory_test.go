package blob

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("images")

	key, err := m.Put(ctx, "a/b.jpg", []byte{1, 2, 3}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "a/b.jpg", key)

	data, err := m.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "image/jpeg", m.ContentType(key))

	ok, err := m.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Delete(ctx, key))
	require.NoError(t, m.Delete(ctx, key))
	_, err = m.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySignedURL(t *testing.T) {
	m := NewMemory("images")
	m.now = func() time.Time { return time.Unix(1000, 0) }

	raw, err := m.SignedURL(context.Background(), "x/y.png", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "memory", u.Scheme)
	assert.Equal(t, "/x/y.png", u.Path)
	assert.Equal(t, "4600", u.Query().Get("expires"))
	assert.Equal(t, "memory://images", m.Location())
}
