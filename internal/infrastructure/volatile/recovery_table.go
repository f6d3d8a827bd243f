// Package volatile holds short-lived key material that must never reach the
// durable store.
// Package volatile 保存绝不能写入持久存储的短期密钥材料。
package volatile

import (
	"context"
	"time"

	"github.com/awnumar/memguard"
	"github.com/patrickmn/go-cache"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/errors"
)

// sealed is a RecoveryParams with every field held in an encrypted enclave.
type sealed struct {
	sessionWrappedKey  *memguard.Enclave
	sessionWrappedPass *memguard.Enclave
	nonce              *memguard.Enclave
	recovered          *memguard.Enclave
	recoveredIV        *memguard.Enclave
}

// RecoveryTable is a TTL-bounded, request-id keyed side table.
type RecoveryTable struct {
	items *cache.Cache
	ttl   time.Duration
}

// NewRecoveryTable creates a table whose entries live for ttl.
func NewRecoveryTable(ttl time.Duration) *RecoveryTable {
	return &RecoveryTable{items: cache.New(ttl, ttl/2+time.Second), ttl: ttl}
}

func seal(b []byte) *memguard.Enclave {
	if len(b) == 0 {
		return nil
	}
	// NewEnclave wipes its argument.
	cp := make([]byte, len(b))
	copy(cp, b)
	return memguard.NewEnclave(cp)
}

func open(e *memguard.Enclave) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	buf, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	out := make([]byte, buf.Size())
	copy(out, buf.Bytes())
	return out, nil
}

// Put replaces the entry for id and restarts its TTL.
func (t *RecoveryTable) Put(_ context.Context, id models.RequestID, p *models.RecoveryParams) error {
	if p == nil {
		p = &models.RecoveryParams{}
	}
	t.items.Set(string(id), &sealed{
		sessionWrappedKey:  seal(p.SessionWrappedKey),
		sessionWrappedPass: seal(p.SessionWrappedPass),
		nonce:              seal(p.Nonce),
		recovered:          seal(p.Recovered),
		recoveredIV:        seal(p.RecoveredIV),
	}, t.ttl)
	return nil
}

func (t *RecoveryTable) Get(_ context.Context, id models.RequestID) (*models.RecoveryParams, error) {
	v, ok := t.items.Get(string(id))
	if !ok {
		return nil, errors.ErrNotFound("recovery parameters", string(id))
	}
	s := v.(*sealed)
	out := &models.RecoveryParams{}
	for _, f := range []struct {
		dst *[]byte
		src *memguard.Enclave
	}{
		{&out.SessionWrappedKey, s.sessionWrappedKey},
		{&out.SessionWrappedPass, s.sessionWrappedPass},
		{&out.Nonce, s.nonce},
		{&out.Recovered, s.recovered},
		{&out.RecoveredIV, s.recoveredIV},
	} {
		b, err := open(f.src)
		if err != nil {
			return nil, errors.ErrCrypto("open recovery parameters", err)
		}
		*f.dst = b
	}
	return out, nil
}

func (t *RecoveryTable) Delete(_ context.Context, id models.RequestID) {
	t.items.Delete(string(id))
}

// Len reports the number of live entries.
func (t *RecoveryTable) Len() int { return t.items.ItemCount() }
