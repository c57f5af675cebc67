package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessorKey_Stable(t *testing.T) {
	id := NewStreamProcessorID("", "projection", "orders")

	k1, err := ProcessorKey("tenant-a", id)
	require.NoError(t, err)
	k2, err := ProcessorKey("tenant-a", id)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
}

func TestProcessorKey_DistinguishesComponents(t *testing.T) {
	id := NewStreamProcessorID(DefaultScope, "projection", "orders")

	keys := map[string]bool{
		MustProcessorKey("tenant-a", id): true,
		MustProcessorKey("tenant-b", id): true,
		MustProcessorKey("tenant-a", NewStreamProcessorID("other", "projection", "orders")):     true,
		MustProcessorKey("tenant-a", NewStreamProcessorID(DefaultScope, "handler", "orders")):   true,
		MustProcessorKey("tenant-a", NewStreamProcessorID(DefaultScope, "projection", "users")): true,
	}
	assert.Len(t, keys, 5)
}

func TestStreamProcessorID_Defaults(t *testing.T) {
	id := NewStreamProcessorID("", "p", "s")
	assert.Equal(t, DefaultScope, id.Scope)
	assert.NoError(t, id.Validate())
	assert.Equal(t, DefaultScope+"/p/s", ScopeID(id.String()))

	assert.Error(t, StreamProcessorID{Scope: DefaultScope, SourceStream: "s"}.Validate())
}
