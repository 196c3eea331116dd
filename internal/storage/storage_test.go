package storage

import (
	"testing"

	"github.com/ignite/sparkpost-monitor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Local(t *testing.T) {
	cfg := config.StorageConfig{Type: "local", LocalPath: t.TempDir()}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Nil(t, s.GetAWSStorage())
}

func TestNew_UnknownTypeLeavesAWSNil(t *testing.T) {
	s, err := New(config.StorageConfig{Type: ""})
	require.NoError(t, err)
	assert.Nil(t, s.GetAWSStorage())
}
