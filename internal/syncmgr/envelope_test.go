package syncmgr

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripsEveryMode(t *testing.T) {
	doc := json.RawMessage(`{"nodes":[{"id":"a","data":{"text":"` + string(bytes.Repeat([]byte("x"), 2048)) + `"}}]}`)
	for name, codec := range map[string]Codec{
		"plain":                {},
		"compressed":           {Compress: true},
		"encrypted":            {Passphrase: "correct horse"},
		"compressed+encrypted": {Compress: true, Passphrase: "correct horse"},
	} {
		t.Run(name, func(t *testing.T) {
			var env Envelope
			require.NoError(t, codec.Seal(&env, doc))
			assert.Equal(t, codec.Compress, env.SyncMeta.Compressed)
			assert.Equal(t, codec.Passphrase != "", env.SyncMeta.Encrypted)
			if codec.Passphrase != "" {
				assert.NotContains(t, string(env.Data), "xxxx")
				assert.NotEmpty(t, env.SyncMeta.Salt)
			}

			wire, err := json.Marshal(env)
			require.NoError(t, err)
			var received Envelope
			require.NoError(t, json.Unmarshal(wire, &received))

			out, err := codec.Open(received)
			require.NoError(t, err)
			assert.JSONEq(t, string(doc), string(out))
		})
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	doc := json.RawMessage(`["` + string(bytes.Repeat([]byte("board "), 4096)) + `"]`)
	var env Envelope
	require.NoError(t, Codec{Compress: true}.Seal(&env, doc))
	assert.Less(t, len(env.Data), len(doc)/4)
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	var env Envelope
	require.NoError(t, Codec{Passphrase: "right"}.Seal(&env, json.RawMessage(`{"a":1}`)))

	_, err := Codec{Passphrase: "wrong"}.Open(env)
	assert.Error(t, err)
	_, err = Codec{}.Open(env)
	assert.ErrorIs(t, err, ErrPassphraseRequired)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	env := Envelope{Schema: SchemaInfo{Version: SchemaVersion + 1}, Data: json.RawMessage(`{}`)}
	_, err := Codec{}.Open(env)
	assert.ErrorIs(t, err, ErrUnsupportedSchema)
}

func TestEnvelopeWireShape(t *testing.T) {
	var env Envelope
	env.Schema = SchemaInfo{Version: SchemaVersion, DataType: "content"}
	require.NoError(t, Codec{}.Seal(&env, json.RawMessage(`{"k":"v"}`)))
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var shape map[string]any
	require.NoError(t, json.Unmarshal(raw, &shape))
	assert.Contains(t, shape, "_schema")
	assert.Contains(t, shape, "syncMeta")
	assert.Equal(t, map[string]any{"k": "v"}, shape["data"])
	schema := shape["_schema"].(map[string]any)
	assert.Contains(t, schema, "migratedFrom")
	assert.Contains(t, schema, "migrationTimestamp")
}
