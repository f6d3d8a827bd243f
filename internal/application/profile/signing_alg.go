package profile

import (
	"context"
	"strings"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// SigningAlgDefaultClass is the registry tag of the signing algorithm default.
const SigningAlgDefaultClass = "signingAlgDefaultImpl"

const (
	configSigningAlg = "signingAlg"
	valueSigningAlg  = "signingAlg"
	// unsetAlgorithm defers to the CA's computed default.
	unsetAlgorithm = "-"
)

// SigningAlgorithms is the allow-list offered for the signingAlg parameter.
var SigningAlgorithms = []string{
	unsetAlgorithm,
	"SHA1withRSA", "SHA256withRSA", "SHA384withRSA", "SHA512withRSA",
	"SHA256withEC", "SHA384withEC", "SHA512withEC",
}

type signingAlgDefault struct {
	env    *Env
	config configStore
}

func newSigningAlgDefault(env *Env) *signingAlgDefault {
	return &signingAlgDefault{env: env, config: configStore{}}
}

func (d *signingAlgDefault) ConfigDescriptors() []Descriptor {
	return []Descriptor{{
		Name:        configSigningAlg,
		Syntax:      SyntaxChoice,
		Choices:     SigningAlgorithms,
		Default:     unsetAlgorithm,
		Description: "Signing algorithm; - uses the CA default",
	}}
}

func (d *signingAlgDefault) SetConfig(name, value string) error {
	if name != configSigningAlg {
		return errors.ErrInvalidProperty(name, value)
	}
	v := strings.TrimSpace(value)
	if v != "" && v != unsetAlgorithm && !contains(SigningAlgorithms, v) {
		return errors.ErrInvalidProperty(name, value)
	}
	d.config[name] = v
	return nil
}

func (d *signingAlgDefault) ValueNames() []string { return []string{valueSigningAlg} }

func (d *signingAlgDefault) ValueDescriptor(name string) (Descriptor, bool) {
	if name != valueSigningAlg {
		return Descriptor{}, false
	}
	return Descriptor{
		Name:    valueSigningAlg,
		Syntax:  SyntaxChoice,
		Choices: SigningAlgorithms[1:],
		Default: "SHA256withRSA",
	}, true
}

func (d *signingAlgDefault) GetValue(name string, tmpl *models.CertTemplate) (string, error) {
	if name != valueSigningAlg {
		return "", errors.ErrInvalidProperty(name, "")
	}
	return tmpl.SigningAlg, nil
}

func (d *signingAlgDefault) SetValue(name string, tmpl *models.CertTemplate, value string) error {
	if name != valueSigningAlg {
		return errors.ErrInvalidProperty(name, value)
	}
	if value == "" || !d.known(value) {
		return errors.ErrInvalidProperty(name, value)
	}
	tmpl.SigningAlg = value
	return nil
}

// Populate sets the configured algorithm or the CA default. A failure is
// logged and leaves the template untouched.
func (d *signingAlgDefault) Populate(ctx context.Context, req *models.Request, tmpl *models.CertTemplate) error {
	alg := d.config.get(configSigningAlg)
	if alg == "" || alg == unsetAlgorithm {
		if d.env.Issuer == nil {
			d.env.Log.Warn(ctx, "no issuer to compute default signing algorithm", logger.RequestID(string(req.ID)))
			return nil
		}
		alg = d.env.Issuer.DefaultSigningAlgorithm()
	}
	if err := d.SetValue(valueSigningAlg, tmpl, alg); err != nil {
		d.env.Log.Warn(ctx, "signing algorithm default not applied",
			logger.RequestID(string(req.ID)), logger.String("algorithm", alg), logger.Err(err))
	}
	return nil
}

func (d *signingAlgDefault) known(alg string) bool {
	if d.env.Issuer != nil {
		return d.env.Issuer.SupportsSigningAlgorithm(alg)
	}
	return alg != unsetAlgorithm && contains(SigningAlgorithms, alg)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
