package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	store := NewStoreFromMap(map[string]string{
		"TOKEN": "abc123",
		"OTHER": "xyz",
	})

	t.Run("plain value untouched", func(t *testing.T) {
		out, err := store.Expand("no secrets here")
		require.NoError(t, err)
		assert.Equal(t, "no secrets here", out)
	})

	t.Run("single reference", func(t *testing.T) {
		out, err := store.Expand("${{ secrets.TOKEN }}")
		require.NoError(t, err)
		assert.Equal(t, "abc123", out)
	})

	t.Run("embedded reference", func(t *testing.T) {
		out, err := store.Expand("Bearer ${{ secrets.TOKEN }}")
		require.NoError(t, err)
		assert.Equal(t, "Bearer abc123", out)
	})

	t.Run("multiple references", func(t *testing.T) {
		out, err := store.Expand("${{ secrets.TOKEN }}:${{ secrets.OTHER }}")
		require.NoError(t, err)
		assert.Equal(t, "abc123:xyz", out)
	})

	t.Run("whitespace variants", func(t *testing.T) {
		out, err := store.Expand("${{secrets.TOKEN}}")
		require.NoError(t, err)
		assert.Equal(t, "abc123", out)
	})

	t.Run("missing secret", func(t *testing.T) {
		_, err := store.Expand("${{ secrets.NOPE }}")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownSecret)
		assert.Contains(t, err.Error(), "NOPE")
	})
}

func TestHasRef(t *testing.T) {
	assert.True(t, HasRef("${{ secrets.TOKEN }}"))
	assert.True(t, HasRef("prefix ${{secrets.A}} suffix"))
	assert.False(t, HasRef("plain"))
	assert.False(t, HasRef("$TOKEN"))
	assert.False(t, HasRef("${{ matrix.os }}"))
}

func TestRedact(t *testing.T) {
	store := NewStoreFromMap(map[string]string{"TOKEN": "hunter2"})

	// Values are only redacted once they have been resolved.
	assert.Equal(t, "password hunter2", store.Redact("password hunter2"))

	_, err := store.Expand("${{ secrets.TOKEN }}")
	require.NoError(t, err)

	assert.Equal(t, "password ***", store.Redact("password hunter2"))
	assert.Equal(t, "***-***", store.Redact("hunter2-hunter2"))
	assert.Equal(t, "clean", store.Redact("clean"))
}
