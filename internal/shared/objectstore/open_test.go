package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/voxq/internal/shared/config"
)

func TestOpen(t *testing.T) {
	store, err := Open(context.Background(), config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", store.Type())
	assert.NoError(t, store.Ping(context.Background()))

	_, err = Open(context.Background(), config.StorageConfig{Driver: "s3"})
	assert.ErrorContains(t, err, "unsupported storage driver")
}
