package tokens

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	token, err := s.Issue(ctx, 42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := s.Consume(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)

	_, err = s.Consume(ctx, token)
	assert.ErrorIs(t, err, ErrInvalid, "token must be single use")

	_, err = s.Consume(ctx, "unknown")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	token, err := m.Issue(context.Background(), 1)
	require.NoError(t, err)

	now = now.Add(TTL + time.Second)
	_, err = m.Consume(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestNew_DefaultsToMemory(t *testing.T) {
	s, err := New(context.Background(), "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)
}

func TestRedis(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	s, err := NewRedis(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}
