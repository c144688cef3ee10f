package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

func readEntries(t *testing.T, data []byte) []Entry {
	t.Helper()
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), "line %q", sc.Text())
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func receive(t *testing.T, m *Module, props map[string]string, content []byte) {
	t.Helper()
	msg, err := message.New(props, content)
	require.NoError(t, err)
	defer msg.Release()
	require.NoError(t, m.Receive(context.Background(), msg))
}

func TestLogger_Writer(t *testing.T) {
	var buf bytes.Buffer
	m := NewWriter(&buf)

	receive(t, m, map[string]string{"source": "sensor"}, []byte{0x00, 0xFF, 'a'})
	m.Destroy()
	m.Destroy()

	entries := readEntries(t, buf.Bytes())
	require.Len(t, entries, 3)
	assert.Equal(t, "started", entries[0].Event)
	assert.Equal(t, map[string]string{"source": "sensor"}, entries[1].Properties)
	assert.Equal(t, []byte{0x00, 0xFF, 'a'}, entries[1].Content)
	assert.Equal(t, "stopped", entries[2].Event)
	assert.Contains(t, buf.String(), `"content":"AP9h"`, "content is base64")
	assert.Equal(t, int64(buf.Len()), m.Written())

	msg, _ := message.New(nil, nil)
	defer msg.Release()
	assert.Error(t, m.Receive(context.Background(), msg), "receive after destroy")
}

func TestLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	created, err := APIs.CreateFromJSON(nil, []byte(`{"filename":"`+path+`"}`))
	require.NoError(t, err)
	m := created.(*Module)
	receive(t, m, map[string]string{"k": "v"}, []byte("one"))
	receive(t, m, nil, []byte("two"))
	m.Destroy()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entries := readEntries(t, data)
	require.Len(t, entries, 4)
	assert.Equal(t, "one", string(entries[1].Content))
	assert.Equal(t, "two", string(entries[2].Content))

	m2, err := New(Config{Filename: path})
	require.NoError(t, err)
	m2.Destroy()
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, readEntries(t, data), 6, "reopening appends")
}

func TestLogger_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")

	created, err := APIs.CreateFromJSON(nil, []byte(`{"filename":"`+path+`","max_size":"200B"}`))
	require.NoError(t, err)
	m := created.(*Module)
	for i := 0; i < 10; i++ {
		receive(t, m, map[string]string{"i": "x"}, bytes.Repeat([]byte{'z'}, 40))
	}
	m.Destroy()

	rotated, err := os.ReadFile(path + ".1")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rotated), 200)
	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(current), 200)
	assert.NotEmpty(t, readEntries(t, current))
}

func TestLogger_InvalidConfig(t *testing.T) {
	_, err := APIs.CreateFromJSON(nil, []byte(`{}`))
	assert.ErrorIs(t, err, module.ErrInvalidConfig)

	_, err = APIs.CreateFromJSON(nil, []byte(`{"filename":"x","max_size":"huge"}`))
	assert.ErrorIs(t, err, module.ErrInvalidConfig)

	_, err = New(Config{Filename: filepath.Join(t.TempDir(), "missing", "dir", "log")})
	assert.Error(t, err)
}
