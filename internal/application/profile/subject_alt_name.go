package profile

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// SubjectAltNameClass is the registry tag of the subject alternative name default.
const SubjectAltNameClass = "subjectAltNameExtDefaultImpl"

const (
	configCritical  = "subjAltNameExtCritical"
	configNumGNs    = "subjAltNameNumGNs"
	configGNEnable  = "subjAltExtGNEnable_"
	configGNType    = "subjAltExtType_"
	configGNPattern = "subjAltExtPattern_"
	configGNSource  = "subjAltExtSource_"

	valueCritical = "subjAltNameExtCritical"
	valueSANs     = "subjAltNames"

	// SourceUUID4 makes the server generate a random UUID for $server.source$.
	SourceUUID4 = "UUID4"
	// reservedPattern marks an unresolved request-supplied SAN pattern.
	reservedPattern = "$request.req_san_pattern_"

	// DefaultNumGNs is the entry count used when none, or too many, are configured.
	DefaultNumGNs = 1
	// MaxNumGNs caps the configured entry count.
	MaxNumGNs = 100
)

var gnTypeChoices = "RFC822Name,DNSName,DirectoryName,EDIPartyName,URIName,IPAddress,OIDName,OtherName"

type subjectAltNameDefault struct {
	env    *Env
	config configStore
}

func newSubjectAltNameDefault(env *Env) *subjectAltNameDefault {
	return &subjectAltNameDefault{env: env, config: configStore{}}
}

// numGNs is the effective entry count. Values at or above the cap, or
// unparseable ones, fall back to DefaultNumGNs.
func (d *subjectAltNameDefault) numGNs() int {
	num, err := strconv.Atoi(d.config.get(configNumGNs))
	if err != nil || num >= MaxNumGNs {
		return DefaultNumGNs
	}
	return num
}

func (d *subjectAltNameDefault) ConfigDescriptors() []Descriptor {
	out := []Descriptor{
		{Name: configCritical, Syntax: SyntaxBoolean, Default: "false", Description: "Criticality"},
		{Name: configNumGNs, Syntax: SyntaxInteger, Default: strconv.Itoa(DefaultNumGNs), Description: "Number of general names"},
	}
	for i := 0; i < d.numGNs(); i++ {
		idx := strconv.Itoa(i)
		out = append(out,
			Descriptor{Name: configGNType + idx, Syntax: SyntaxChoice, Choices: strings.Split(gnTypeChoices, ","), Default: "RFC822Name"},
			Descriptor{Name: configGNPattern + idx, Syntax: SyntaxString},
			Descriptor{Name: configGNSource + idx, Syntax: SyntaxString, Description: "Server-side value source (UUID4)"},
			Descriptor{Name: configGNEnable + idx, Syntax: SyntaxBoolean, Default: "false"},
		)
	}
	return out
}

// loadConfig keeps a stored entry count as is; numGNs applies the cap.
func (d *subjectAltNameDefault) loadConfig(name, value string) error {
	if name == configNumGNs {
		d.config[name] = value
		return nil
	}
	return d.SetConfig(name, value)
}

// SetConfig rejects entry counts outside [0, MaxNumGNs) and unknown name types.
func (d *subjectAltNameDefault) SetConfig(name, value string) error {
	switch {
	case name == configNumGNs:
		num, err := strconv.Atoi(value)
		if err != nil || num < 0 || num >= MaxNumGNs {
			return errors.ErrInvalidProperty(name, value)
		}
	case name == configCritical:
		if _, err := strconv.ParseBool(value); err != nil {
			return errors.ErrInvalidProperty(name, value)
		}
	case strings.HasPrefix(name, configGNType):
		if !strings.Contains(value, "$") {
			if _, ok := models.ParseGeneralNameType(value); !ok {
				return errors.ErrInvalidProperty(name, value)
			}
		}
	case strings.HasPrefix(name, configGNEnable), strings.HasPrefix(name, configGNPattern),
		strings.HasPrefix(name, configGNSource):
	default:
		return errors.ErrInvalidProperty(name, value)
	}
	d.config[name] = value
	return nil
}

func (d *subjectAltNameDefault) ValueNames() []string { return []string{valueCritical, valueSANs} }

func (d *subjectAltNameDefault) ValueDescriptor(name string) (Descriptor, bool) {
	switch name {
	case valueCritical:
		return Descriptor{Name: name, Syntax: SyntaxBoolean, Default: "false"}, true
	case valueSANs:
		return Descriptor{Name: name, Syntax: SyntaxText, Description: "One general name per line"}, true
	}
	return Descriptor{}, false
}

// GetValue renders the names one per line, separated by CRLF.
func (d *subjectAltNameDefault) GetValue(name string, tmpl *models.CertTemplate) (string, error) {
	switch name {
	case valueCritical:
		return strconv.FormatBool(tmpl.SANCritical), nil
	case valueSANs:
		parts := make([]string, 0, len(tmpl.SANs))
		for _, gn := range tmpl.SANs {
			parts = append(parts, gn.String())
		}
		return strings.Join(parts, "\r\n"), nil
	}
	return "", errors.ErrInvalidProperty(name, "")
}

// SetValue parses a CRLF separated list. An empty value, or a list with no
// names, removes the extension; any invalid name fails the whole call.
func (d *subjectAltNameDefault) SetValue(name string, tmpl *models.CertTemplate, value string) error {
	switch name {
	case valueCritical:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.ErrInvalidProperty(name, value)
		}
		tmpl.SANCritical = b
		return nil
	case valueSANs:
	default:
		return errors.ErrInvalidProperty(name, value)
	}

	if value == "" {
		tmpl.SANs = nil
		return nil
	}
	var names []models.GeneralName
	for _, line := range strings.Split(value, "\r\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		gn, err := models.ParseGeneralName(line)
		if err != nil {
			return errors.ErrInvalidProperty(name, line).WithCause(err)
		}
		names = append(names, gn)
	}
	if len(names) == 0 {
		tmpl.SANs = nil
		return nil
	}
	tmpl.SANs = names
	return nil
}

// Populate builds the name list from the enabled entries. Entries that resolve
// to nothing are skipped; the extension is omitted when no entry resolves.
func (d *subjectAltNameDefault) Populate(ctx context.Context, req *models.Request, tmpl *models.CertTemplate) error {
	critical, _ := strconv.ParseBool(d.config.get(configCritical))
	var names []models.GeneralName

	for i := 0; i < d.numGNs(); i++ {
		idx := strconv.Itoa(i)
		if d.config.get(configGNEnable+idx) != "true" {
			continue
		}
		pattern := d.config.get(configGNPattern + idx)
		if pattern == "" {
			pattern = " "
		}
		gtype := d.config.get(configGNType + idx)

		var gname string
		if source := d.config.get(configGNSource + idx); source != "" {
			if !strings.EqualFold(gtype, string(models.GNOtherName)) {
				d.env.Log.Warn(ctx, "server-generated source is only supported for OtherName",
					logger.String("entry", idx), logger.String("type", gtype))
				continue
			}
			if source != SourceUUID4 {
				d.env.Log.Warn(ctx, "unsupported server-generated source",
					logger.String("entry", idx), logger.String("source", source))
				continue
			}
			gname = substitute(pattern, "server", map[string]string{"source": d.env.NewUUID()})
		} else {
			gname = substitute(pattern, "request", req.Inputs)
			gtype = substitute(gtype, "request", req.Inputs)
		}

		if strings.TrimSpace(gname) == "" || strings.HasPrefix(gname, reservedPattern) {
			d.env.Log.Debug(ctx, "general name is empty, not added", logger.String("entry", idx))
			continue
		}
		gn, err := models.ParseGeneralName(gtype + ":" + gname)
		if err != nil {
			return errors.ErrBadRequest(fmt.Sprintf("Not valid for Subject Alternative Name: %s:%s", gtype, gname)).WithCause(err)
		}
		names = append(names, gn)
	}

	if len(names) == 0 {
		tmpl.SANs = nil
		tmpl.SANCritical = false
		return nil
	}
	tmpl.SANs = names
	tmpl.SANCritical = critical
	return nil
}
