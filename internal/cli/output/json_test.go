package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusDoc struct {
	Server string `json:"server"`
	Cursor int64  `json:"cursor"`
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	err := PrintJSON(&buf, statusDoc{Server: "http://localhost:8080", Cursor: 42})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"server": "http://localhost:8080"`)
	assert.Contains(t, out, `"cursor": 42`)
}

func TestPrintJSONArray(t *testing.T) {
	data := []statusDoc{
		{Server: "a", Cursor: 1},
		{Server: "b", Cursor: 2},
	}

	var buf bytes.Buffer
	err := PrintJSON(&buf, data)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"server": "a"`)
	assert.Contains(t, out, `"server": "b"`)
}
