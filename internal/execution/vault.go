package execution

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"option_trader/internal/core"
)

// tokenCipher seals session tokens with AES-256-GCM before they reach the
// store. A sealed value is base64(nonce || ciphertext).
type tokenCipher struct {
	aead cipher.AEAD
}

func newTokenCipher(key []byte) (*tokenCipher, error) {
	if len(key) != 32 {
		return nil, core.NewErrorf(core.KindValidation, "token cipher key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, err, "token cipher init failed")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, core.WrapError(core.KindValidation, err, "token cipher init failed")
	}
	return &tokenCipher{aead: aead}, nil
}

func (c *tokenCipher) seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", core.WrapError(core.KindPersistence, err, "nonce generation failed")
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *tokenCipher) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", core.WrapError(core.KindValidation, err, "sealed token is not base64")
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", core.NewError(core.KindValidation, "sealed token too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", core.WrapError(core.KindValidation, err, "token decrypt failed")
	}
	return string(plain), nil
}

// SessionRecord is one persisted account session. Only the sealed token is
// written to the store; Token carries the decrypted value in memory.
type SessionRecord struct {
	AccountID string    `json:"account_id"`
	Token     string    `json:"-"`
	TokenEnc  string    `json:"token_enc"`
	Currency  string    `json:"currency,omitempty"`
	Type      string    `json:"type,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionVault persists account sessions with sealed tokens so the
// reconciler can rebuild upstream sessions after a restart.
type SessionVault struct {
	store  core.IStore
	cipher *tokenCipher
	logger core.ILogger
	now    func() time.Time
}

func NewSessionVault(store core.IStore, key []byte, logger core.ILogger) (*SessionVault, error) {
	c, err := newTokenCipher(key)
	if err != nil {
		return nil, err
	}
	return &SessionVault{
		store:  store,
		cipher: c,
		logger: logger.WithField("component", "session_vault"),
		now:    time.Now,
	}, nil
}

// Save seals the token and upserts the session row.
func (v *SessionVault) Save(ctx context.Context, rec SessionRecord) error {
	if rec.AccountID == "" {
		return core.NewError(core.KindValidation, "session record needs an account id")
	}
	enc, err := v.cipher.seal(rec.Token)
	if err != nil {
		return err
	}
	rec.TokenEnc = enc
	rec.UpdatedAt = v.now()
	payload, err := json.Marshal(&rec)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "encode session record")
	}
	return v.store.Upsert(ctx, core.NSSessions, rec.AccountID, payload, core.OnConflictReplace)
}

// List returns every persisted session with its token decrypted. Rows that
// no longer decode or decrypt (key rotation, corruption) are skipped and
// logged rather than failing the whole recovery pass.
func (v *SessionVault) List(ctx context.Context) ([]SessionRecord, error) {
	rows, err := v.store.List(ctx, core.NSSessions, "")
	if err != nil {
		return nil, core.WrapError(core.KindPersistence, err, "list sessions")
	}
	out := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		var rec SessionRecord
		if err := json.Unmarshal(row.Value, &rec); err != nil {
			v.logger.Warn("Skipping undecodable session row", "key", row.Key, "error", err)
			continue
		}
		token, err := v.cipher.open(rec.TokenEnc)
		if err != nil {
			v.logger.Warn("Skipping session with undecryptable token", "account", rec.AccountID, "error", err)
			continue
		}
		rec.Token = token
		out = append(out, rec)
	}
	return out, nil
}
