package syncmgr

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SchemaVersion is the envelope format version this build writes.
const SchemaVersion = 1

type SchemaInfo struct {
	Version            int        `json:"version"`
	DataType           string     `json:"dataType"`
	MigratedFrom       *int       `json:"migratedFrom"`
	MigrationTimestamp *time.Time `json:"migrationTimestamp"`
}

type SyncMeta struct {
	LocalTimestamp time.Time `json:"localTimestamp"`
	DeviceID       string    `json:"deviceId"`
	AppVersion     string    `json:"appVersion"`
	Compressed     bool      `json:"compressed"`
	Encrypted      bool      `json:"encrypted"`
	// BaseTimestamp is the remote localTimestamp this push was built on; nil
	// when the device has never seen a remote copy.
	BaseTimestamp *time.Time `json:"baseTimestamp,omitempty"`
	// Salt is the Argon2id salt, base64, when Encrypted.
	Salt string `json:"salt,omitempty"`
}

// Envelope is the wire form of one data type. Data is the JSON document, or
// a base64 JSON string when it is compressed or encrypted.
type Envelope struct {
	Schema          SchemaInfo      `json:"_schema"`
	UserID          string          `json:"userId"`
	UserFingerprint string          `json:"userFingerprint"`
	Data            json.RawMessage `json:"data"`
	SyncMeta        SyncMeta        `json:"syncMeta"`
}

var (
	ErrPassphraseRequired = errors.New("envelope is encrypted and no passphrase is configured")
	ErrUnsupportedSchema  = errors.New("envelope schema version is newer than supported")
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltSize     = 16

	maxDecodedSize = 64 << 20
)

// Codec compresses and encrypts envelope data.
type Codec struct {
	Compress   bool
	Passphrase string
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Seal encodes data into env according to the codec settings.
func (c Codec) Seal(env *Envelope, data json.RawMessage) error {
	env.SyncMeta.Compressed = c.Compress
	env.SyncMeta.Encrypted = c.Passphrase != ""
	env.SyncMeta.Salt = ""
	if !env.SyncMeta.Compressed && !env.SyncMeta.Encrypted {
		env.Data = append(json.RawMessage(nil), data...)
		return nil
	}

	body := []byte(data)
	if c.Compress {
		enc, _, err := zstdCodec()
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		body = enc.EncodeAll(body, nil)
	}
	if c.Passphrase != "" {
		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("salt: %w", err)
		}
		sealed, err := encrypt(c.Passphrase, salt, body)
		if err != nil {
			return err
		}
		body = sealed
		env.SyncMeta.Salt = base64.StdEncoding.EncodeToString(salt)
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(body))
	if err != nil {
		return err
	}
	env.Data = encoded
	return nil
}

// Open returns the plain JSON document carried by env.
func (c Codec) Open(env Envelope) (json.RawMessage, error) {
	if env.Schema.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedSchema, env.Schema.Version)
	}
	if !env.SyncMeta.Compressed && !env.SyncMeta.Encrypted {
		return append(json.RawMessage(nil), env.Data...), nil
	}
	var encoded string
	if err := json.Unmarshal(env.Data, &encoded); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if env.SyncMeta.Encrypted {
		if c.Passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		salt, err := base64.StdEncoding.DecodeString(env.SyncMeta.Salt)
		if err != nil || len(salt) == 0 {
			return nil, errors.New("decode data: missing salt")
		}
		body, err = decrypt(c.Passphrase, salt, body)
		if err != nil {
			return nil, err
		}
	}
	if env.SyncMeta.Compressed {
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}
	if !json.Valid(body) {
		return nil, errors.New("decoded data is not JSON")
	}
	return body, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// encrypt returns nonce || ciphertext.
func encrypt(passphrase string, salt, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(passphrase string, salt, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("decrypt: ciphertext too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
