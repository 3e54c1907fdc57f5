package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDJSON(t *testing.T) {
	var num, str ID
	require.NoError(t, json.Unmarshal([]byte(`42`), &num))
	require.NoError(t, json.Unmarshal([]byte(`"pluginate:init#2"`), &str))

	assert.Equal(t, NumberID(42), num)
	assert.Equal(t, StringID("pluginate:init#2"), str)
	assert.NotEqual(t, NumberID(42), StringID("42"), "string and number ids are distinct")

	out, err := json.Marshal(str)
	require.NoError(t, err)
	assert.Equal(t, `"pluginate:init#2"`, string(out))

	var bad ID
	assert.Error(t, json.Unmarshal([]byte(`true`), &bad))
}

func TestConstructors(t *testing.T) {
	req, err := NewRequest(NumberID(1), "add", []int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, KindRequest, req.Kind)
	assert.True(t, req.Positional())

	note, err := NewNotification("log", nil)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(note.Params))

	_, err = NewRequest(NumberID(2), "bad", 5)
	assert.Error(t, err, "scalar params are not allowed")

	res, err := NewResult(NumberID(1), nil)
	require.NoError(t, err)
	assert.Equal(t, `null`, string(res.Result))
}

func TestErrorString(t *testing.T) {
	e := NewError(-1, "nope", map[string]int{"n": 1})
	assert.Equal(t, `rpc error -1: nope (data: {"n":1})`, e.Error())
	assert.Equal(t, CodeMethodNotFound, -32601)
}
