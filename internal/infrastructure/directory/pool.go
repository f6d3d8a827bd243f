// Package directory provides pooled LDAP connections for the publish module and
// directory password authentication.
// Package directory 为发布模块提供 LDAP 连接池，并支持目录口令认证。
package directory

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// Client is the subset of *ldap.Conn the pool drives.
type Client interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Modify(req *ldap.ModifyRequest) error
	SetTimeout(d time.Duration)
	IsClosing() bool
	Close() error
}

// DialFunc opens an unbound connection.
type DialFunc func(ctx context.Context) (Client, error)

// URLDialer dials url with timeout.
func URLDialer(url string, timeout time.Duration, tlsConfig *tls.Config) DialFunc {
	return func(ctx context.Context) (Client, error) {
		opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: timeout})}
		if tlsConfig != nil {
			opts = append(opts, ldap.DialWithTLSConfig(tlsConfig))
		}
		conn, err := ldap.DialURL(url, opts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Pool is a bounded pool of bound connections. Get blocks while all
// connections are checked out.
// Pool 是有界的已绑定连接池，所有连接被签出时 Get 会阻塞。
type Pool struct {
	dial     DialFunc
	bindDN   string
	bindPass string
	log      logger.Logger

	slots chan struct{}
	mu    sync.Mutex
	idle  []*conn
}

var _ service.ConnFactory = (*Pool)(nil)

// NewPool creates a pool of at most size connections bound as bindDN.
func NewPool(dial DialFunc, size int, bindDN, bindPass string, log logger.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		dial:     dial,
		bindDN:   bindDN,
		bindPass: bindPass,
		log:      log.WithComponent("LDAPPool"),
		slots:    make(chan struct{}, size),
	}
}

// NewPoolFromConfig builds a pool from the ldap section.
func NewPoolFromConfig(cfg *config.LDAPConfig, log logger.Logger) *Pool {
	return NewPool(URLDialer(cfg.URL, cfg.DialTimeout, nil), cfg.PoolSize, cfg.BindDN, cfg.BindPassword, log)
}

// Get checks out a connection, reusing an idle one when it is still open.
func (p *Pool) Get(ctx context.Context) (service.DirectoryConn, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.ErrDirectoryUnavailable(ctx.Err())
	}

	p.mu.Lock()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !c.client.IsClosing() {
			p.mu.Unlock()
			return c, nil
		}
		_ = c.client.Close()
	}
	p.mu.Unlock()

	client, err := p.dial(ctx)
	if err != nil {
		<-p.slots
		p.log.Warn(ctx, "cannot reach directory", logger.Err(err))
		return nil, errors.ErrDirectoryUnavailable(err)
	}
	if p.bindDN != "" {
		if err := client.Bind(p.bindDN, p.bindPass); err != nil {
			_ = client.Close()
			<-p.slots
			return nil, classify(err, "bind")
		}
	}
	return &conn{client: client}, nil
}

// Return gives conn back. Broken connections are closed instead of reused.
func (p *Pool) Return(dc service.DirectoryConn) {
	c, ok := dc.(*conn)
	if !ok || c == nil {
		return
	}
	defer func() { <-p.slots }()
	if c.broken || c.client.IsClosing() {
		_ = c.client.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Close closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		_ = c.client.Close()
	}
	p.idle = nil
}

// BindUser verifies a user password on a dedicated connection outside the pool.
func (p *Pool) BindUser(ctx context.Context, dn, password string) error {
	if password == "" {
		// An empty password would be an unauthenticated bind.
		return errors.ErrAuthFailure("dirPassword", "empty password")
	}
	client, err := p.dial(ctx)
	if err != nil {
		return errors.ErrDirectoryUnavailable(err)
	}
	defer client.Close()
	if err := client.Bind(dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return errors.ErrAuthFailure("dirPassword", "invalid credentials")
		}
		return classify(err, "bind "+dn)
	}
	return nil
}

// classify maps LDAP failures: unavailable (52), busy and network errors become
// DirectoryUnavailable, everything else a publish error.
func classify(err error, op string) error {
	var lerr *ldap.Error
	if stderrors.As(err, &lerr) {
		switch lerr.ResultCode {
		case ldap.LDAPResultUnavailable, ldap.LDAPResultBusy, ldap.ErrorNetwork:
			return errors.ErrDirectoryUnavailable(err)
		}
	}
	var nerr net.Error
	if stderrors.As(err, &nerr) {
		return errors.ErrDirectoryUnavailable(err)
	}
	return errors.ErrPublish(op + ": " + err.Error()).WithCause(err)
}
