package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("You extract structured data from call transcripts.", "1h")
	require.Len(t, blocks, 1)
	assert.Equal(t, "You extract structured data from call transcripts.", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}

func TestBuildCachedSystemBlocks_EmptyText(t *testing.T) {
	assert.Nil(t, BuildCachedSystemBlocks("", "5m"))
}
