package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldorplus/pki/internal/domain/repository"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
)

var _ repository.Store = (*Store)(nil)

// maxTxRetries bounds optimistic retries of a WATCH transaction.
const maxTxRetries = 64

// Store is a Redis-backed repository.Store.
type Store struct {
	client   redis.UniversalClient
	requests *requestRepo
	keys     *keyRepo
	certs    *certRepo
	owned    bool
}

// NewStore wraps client. prefix namespaces every key.
func NewStore(client redis.UniversalClient, prefix string) *Store {
	k := keys{prefix: prefix}
	return &Store{
		client:   client,
		requests: &requestRepo{client: client, k: k},
		keys:     &keyRepo{client: client, k: k},
		certs:    &certRepo{client: client, k: k},
	}
}

// OwnClient makes Close also close the client.
func (s *Store) OwnClient() *Store {
	s.owned = true
	return s
}

func (s *Store) Requests() repository.RequestRepository         { return s.requests }
func (s *Store) Keys() repository.KeyRepository                 { return s.keys }
func (s *Store) Certificates() repository.CertificateRepository { return s.certs }

func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

type keys struct {
	prefix string
}

func (k keys) seq(name string) string    { return k.prefix + "seq:" + name }
func (k keys) request(id string) string  { return k.prefix + "req:" + id }
func (k keys) requestIndex() string      { return k.prefix + "req:index" }
func (k keys) key(serial uint64) string  { return k.prefix + "key:" + strconv.FormatUint(serial, 10) }
func (k keys) keyIndex() string          { return k.prefix + "key:index" }
func (k keys) cert(serial string) string { return k.prefix + "cert:" + serial }

func next(ctx context.Context, client redis.UniversalClient, key string) (uint64, error) {
	n, err := client.Incr(ctx, key).Uint64()
	if err != nil {
		return 0, pkierrors.ErrStore("sequence "+key, err)
	}
	return n, nil
}

// watch runs fn under WATCH key, retrying when another writer commits first.
func watch(ctx context.Context, client redis.UniversalClient, key string, fn func(tx *redis.Tx) error) error {
	backoff := time.Millisecond
	for i := 0; i < maxTxRetries; i++ {
		err := client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		select {
		case <-ctx.Done():
			return pkierrors.ErrStore("watch "+key, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
	return pkierrors.ErrConflict("too much contention on " + key)
}

// getJSON loads key into v, reporting whether it exists.
func getJSON(ctx context.Context, c redis.Cmdable, key string, v interface{}) (bool, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, pkierrors.ErrStore("read "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, pkierrors.ErrStore("decode "+key, err)
	}
	return true, nil
}
