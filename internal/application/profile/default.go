// Package profile holds certificate profiles and the policy defaults that
// finalize certificate templates.
// Package profile 包含证书配置文件以及最终确定证书模板的策略默认值。
package profile

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// Syntax of a descriptor value.
type Syntax string

const (
	SyntaxString  Syntax = "string"
	SyntaxBoolean Syntax = "boolean"
	SyntaxInteger Syntax = "integer"
	SyntaxChoice  Syntax = "choice"
	SyntaxText    Syntax = "string_list"
)

// Descriptor describes one configuration parameter or template value.
type Descriptor struct {
	Name        string   `json:"name"`
	Syntax      Syntax   `json:"syntax"`
	Choices     []string `json:"choices,omitempty"`
	Default     string   `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Default is a policy default: a function over its configuration and the
// request that mutates one part of a certificate template.
// Default 是一个策略默认值：基于其配置和请求修改证书模板某一部分的函数。
type Default interface {
	// ConfigDescriptors lists the configuration parameters.
	ConfigDescriptors() []Descriptor
	// SetConfig validates and stores one configuration parameter.
	SetConfig(name, value string) error
	// ValueNames lists the template values this default owns.
	ValueNames() []string
	// ValueDescriptor describes the named template value.
	ValueDescriptor(name string) (Descriptor, bool)
	// GetValue renders the named value from tmpl.
	GetValue(name string, tmpl *models.CertTemplate) (string, error)
	// SetValue parses value into tmpl. Invalid input fails with InvalidProperty.
	SetValue(name string, tmpl *models.CertTemplate, value string) error
	// Populate fills tmpl for req.
	Populate(ctx context.Context, req *models.Request, tmpl *models.CertTemplate) error
}

// Env carries the collaborators defaults may consult.
type Env struct {
	Issuer  service.CertIssuer
	Log     logger.Logger
	NewUUID func() string
}

func (e *Env) withDefaults() *Env {
	out := *e
	if out.Log == nil {
		out.Log = logger.NewNoopLogger()
	}
	if out.NewUUID == nil {
		out.NewUUID = uuid.NewString
	}
	return &out
}

// Factory builds an unconfigured default.
type Factory func(env *Env) Default

var registry = map[string]Factory{
	SigningAlgDefaultClass: func(env *Env) Default { return newSigningAlgDefault(env) },
	SubjectAltNameClass:    func(env *Env) Default { return newSubjectAltNameDefault(env) },
	ValidityDefaultClass:   func(env *Env) Default { return newValidityDefault(env) },
}

// Classes lists the registered default classes.
func Classes() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NewDefault resolves class and applies params. Unknown classes and invalid
// parameters fail here, at load time.
func NewDefault(class string, env *Env, params map[string]string) (Default, error) {
	f, ok := registry[class]
	if !ok {
		return nil, errors.ErrBadRequest(fmt.Sprintf("unknown policy default class %q", class))
	}
	d := f(env.withDefaults())
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var err error
		if l, ok := d.(configLoader); ok {
			err = l.loadConfig(k, params[k])
		} else {
			err = d.SetConfig(k, params[k])
		}
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// configLoader is implemented by defaults that read stored configuration more
// leniently than SetConfig accepts new values.
type configLoader interface {
	loadConfig(name, value string) error
}

// configStore is the parameter map shared by the defaults.
type configStore map[string]string

func (c configStore) get(name string) string { return c[name] }
