package profile

import (
	"context"
	"strconv"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/errors"
)

// ValidityDefaultClass is the registry tag of the validity default.
const ValidityDefaultClass = "validityDefaultImpl"

const (
	configRange     = "range"
	configStartTime = "startTime"
	valueNotBefore  = "notBefore"
	valueNotAfter   = "notAfter"

	defaultRangeDays = 180
)

type validityDefault struct {
	env       *Env
	rangeDays int
	start     time.Duration
	now       func() time.Time
}

func newValidityDefault(env *Env) *validityDefault {
	return &validityDefault{env: env, rangeDays: defaultRangeDays, now: time.Now}
}

func (d *validityDefault) ConfigDescriptors() []Descriptor {
	return []Descriptor{
		{Name: configRange, Syntax: SyntaxInteger, Default: strconv.Itoa(defaultRangeDays), Description: "Validity period in days"},
		{Name: configStartTime, Syntax: SyntaxInteger, Default: "0", Description: "Offset of notBefore in seconds"},
	}
}

func (d *validityDefault) SetConfig(name, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return errors.ErrInvalidProperty(name, value)
	}
	switch name {
	case configRange:
		if n <= 0 {
			return errors.ErrInvalidProperty(name, value)
		}
		d.rangeDays = n
	case configStartTime:
		d.start = time.Duration(n) * time.Second
	default:
		return errors.ErrInvalidProperty(name, value)
	}
	return nil
}

func (d *validityDefault) ValueNames() []string { return []string{valueNotBefore, valueNotAfter} }

func (d *validityDefault) ValueDescriptor(name string) (Descriptor, bool) {
	switch name {
	case valueNotBefore, valueNotAfter:
		return Descriptor{Name: name, Syntax: SyntaxString, Description: "RFC 3339 timestamp"}, true
	}
	return Descriptor{}, false
}

func (d *validityDefault) GetValue(name string, tmpl *models.CertTemplate) (string, error) {
	switch name {
	case valueNotBefore:
		return tmpl.NotBefore.UTC().Format(time.RFC3339), nil
	case valueNotAfter:
		return tmpl.NotAfter.UTC().Format(time.RFC3339), nil
	}
	return "", errors.ErrInvalidProperty(name, "")
}

func (d *validityDefault) SetValue(name string, tmpl *models.CertTemplate, value string) error {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return errors.ErrInvalidProperty(name, value)
	}
	switch name {
	case valueNotBefore:
		tmpl.NotBefore = t
	case valueNotAfter:
		tmpl.NotAfter = t
	default:
		return errors.ErrInvalidProperty(name, value)
	}
	return nil
}

func (d *validityDefault) Populate(ctx context.Context, req *models.Request, tmpl *models.CertTemplate) error {
	notBefore := d.now().UTC().Add(d.start).Truncate(time.Second)
	tmpl.NotBefore = notBefore
	tmpl.NotAfter = notBefore.AddDate(0, 0, d.rangeDays)
	return nil
}
