package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type deviceTable [][]string

func (d deviceTable) Headers() []string { return []string{"Device ID", "Name"} }
func (d deviceTable) Rows() [][]string  { return d }

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	err := PrintTable(&buf, deviceTable{
		{"laptop-1", "work laptop"},
		{"phone-2", "android"},
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "DEVICE ID")
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "laptop-1")
	assert.Contains(t, out, "work laptop")
	assert.Contains(t, out, "phone-2")
}

func TestPrintTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := PrintTable(&buf, deviceTable{})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "DEVICE ID")
}
