package blocksplit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitParagraphs(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph follows.\n\n\n"
	blocks := Split("text/plain", text)
	require.Len(t, blocks, 2)
	assert.Equal(t, 0, blocks[0].Position)
	assert.Equal(t, 1, blocks[1].Position)
	assert.Contains(t, blocks[0].Content, "First paragraph")
	assert.Equal(t, kindParagraph, blocks[0].Kind)
}

func TestSplitMarkdownHeadingsAndCode(t *testing.T) {
	text := "intro text\n\n# Title One\nbody one\n\n## Sub\nbody two\n\n```go\nfmt.Println(1)\n```\n"
	blocks := Split("text/markdown", text)

	var names []string
	var kinds []string
	for _, b := range blocks {
		names = append(names, b.Name)
		kinds = append(kinds, b.Kind)
	}
	assert.Contains(t, names, "preamble")
	assert.Contains(t, names, "Title One")
	assert.Contains(t, names, "Sub")
	assert.Contains(t, kinds, kindCode)
}

func TestSplitSQLStatements(t *testing.T) {
	text := "CREATE TABLE users (id int);\nINSERT INTO users VALUES (1);"
	blocks := Split("text/sql", text)
	require.Len(t, blocks, 2)
	assert.Equal(t, "CREATE TABLE users (id int)", blocks[0].Name)
	assert.True(t, blocks[0].Content[len(blocks[0].Content)-1] == ';')
}

func TestSplitSkipsEmptyBlocks(t *testing.T) {
	blocks := Split("text/plain", "\n\n   \n\n")
	assert.Empty(t, blocks)
}
