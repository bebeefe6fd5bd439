package viz

import (
	"bytes"
	"strings"
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDot(t *testing.T) {
	doc := automerge.New()
	require.NoError(t, doc.Path("title").Set("one"))
	_, err := doc.Commit("first")
	require.NoError(t, err)
	require.NoError(t, doc.Path("title").Set("two"))
	_, err = doc.Commit("second")
	require.NoError(t, err)

	changes, err := doc.Changes()
	require.NoError(t, err)
	require.Len(t, changes, 2)

	var buf bytes.Buffer
	require.NoError(t, WriteDot(doc, []interface{}{"title"}, &buf))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, `digraph "log" {`))
	assert.Contains(t, out, `\"one\"`)
	assert.Contains(t, out, `\"two\"`)
	assert.Contains(t, out, changes[0].Hash().String()+`" -> "`+changes[1].Hash().String())
}
