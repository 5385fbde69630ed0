package idgen

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestSequential(t *testing.T) {
	t.Parallel()

	var g Sequential
	a, err := g.NewID()
	require.NoError(t, err)
	b, err := g.NewID()
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	require.Equal(t, "00000000-0000-0000-0000-000000000001", a.String())
	require.Equal(t, "00000000-0000-0000-0000-000000000002", b.String())
}

func TestUUID_V4(t *testing.T) {
	t.Parallel()

	id, err := UUID{}.NewID()
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)
	require.Equal(t, byte(uuid.V4), id.Version())
}
