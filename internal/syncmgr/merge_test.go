package syncmgr

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeScalarsFromNewerSide(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	local := json.RawMessage(`{"title":"old","nested":{"a":1,"b":"keep"},"onlyLocal":true}`)
	remote := json.RawMessage(`{"title":"new","nested":{"a":2,"c":3}}`)

	out, err := MergeDocuments(local, remote, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"new","nested":{"a":2,"b":"keep","c":3},"onlyLocal":true}`, string(out))
}

func TestMergeArraysUnionByIdentity(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	local := json.RawMessage(`{"nodes":[{"id":"a","x":1},{"id":"b","x":1}],"tags":["red","blue"]}`)
	remote := json.RawMessage(`{"nodes":[{"id":"b","x":2},{"id":"c","x":2}],"tags":["blue","green"]}`)

	out, err := MergeDocuments(local, remote, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes":[{"id":"b","x":2},{"id":"c","x":2},{"id":"a","x":1}],"tags":["blue","green","red"]}`, string(out))
}

func TestMergeIsCommutative(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := json.RawMessage(`{"items":[{"id":"1","v":"a"},{"id":"2"},3,"x"],"s":"a","o":{"list":[1,2]}}`)
	b := json.RawMessage(`{"items":[{"id":"2","w":true},{"id":"4"},3,"y"],"s":"b","o":{"list":[2,5]}}`)

	for name, times := range map[string][2]time.Time{
		"a newer": {t0.Add(time.Second), t0},
		"b newer": {t0, t0.Add(time.Second)},
		"tie":     {t0, t0},
	} {
		t.Run(name, func(t *testing.T) {
			ab, err := MergeDocuments(a, b, times[0], times[1])
			require.NoError(t, err)
			ba, err := MergeDocuments(b, a, times[1], times[0])
			require.NoError(t, err)
			assert.JSONEq(t, string(ab), string(ba))

			var merged struct {
				Items []any `json:"items"`
			}
			require.NoError(t, json.Unmarshal(ab, &merged))
			assert.Len(t, merged.Items, 6)
		})
	}
}

func TestMergeTypeMismatchTakesNewer(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	out, err := MergeDocuments(json.RawMessage(`{"v":[1]}`), json.RawMessage(`{"v":{"k":1}}`), t0.Add(time.Second), t0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":[1]}`, string(out))
}

func TestMergeRejectsInvalidJSON(t *testing.T) {
	_, err := MergeDocuments(json.RawMessage(`{`), json.RawMessage(`{}`), time.Time{}, time.Time{})
	assert.Error(t, err)
}
