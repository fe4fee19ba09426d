package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultChunkSizeKB<<10, cfg.ChunkSize())
	cfg.Chunk.SizeKB = 1
	assert.Equal(t, MinChunkSizeKB<<10, cfg.ChunkSize())
	cfg.Chunk.TempDir = ""
	assert.NotEmpty(t, cfg.TempDir())
}

func TestFaultInject(t *testing.T) {
	boom := errors.New("boom")
	require.NoError(t, Inject(FAULTS_SCOPE_KDS, "x"))
	Register(FAULTS_SCOPE_KDS, "x", nil, func([]string) error { return boom })
	require.NoError(t, Inject(FAULTS_SCOPE_KDS, "x"))

	Open(FAULTS_SCOPE_KDS)
	defer Close(FAULTS_SCOPE_KDS)
	Register(FAULTS_SCOPE_KDS, "x", []string{"a"}, func(args []string) error {
		assert.Equal(t, []string{"a"}, args)
		return boom
	})
	assert.ErrorIs(t, Inject(FAULTS_SCOPE_KDS, "x"), boom)
	assert.NoError(t, Inject(FAULTS_SCOPE_KDS, "y"))
}
