package profile

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/eldorplus/pki/internal/domain/models"
)

// DefaultSpec names a default class and its parameters.
type DefaultSpec struct {
	Class  string            `yaml:"class"`
	Params map[string]string `yaml:"params"`
}

// Spec is the stored form of a profile.
type Spec struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	CertType string `yaml:"certType"`
	// RequiresApproval parks requests in PENDING until an agent approves them.
	RequiresApproval bool          `yaml:"requiresApproval"`
	Defaults         []DefaultSpec `yaml:"defaults"`
}

// File is the YAML layout of the profiles file.
type File struct {
	Profiles []Spec `yaml:"profiles"`
}

// Profile is a loaded certificate profile.
// Profile 是已加载的证书配置文件。
type Profile struct {
	ID               string
	Name             string
	Enabled          bool
	CertType         string
	RequiresApproval bool
	defaults         []Default
}

// Defaults returns the profile's policy defaults in evaluation order.
func (p *Profile) Defaults() []Default { return p.defaults }

// Populate runs every default against tmpl in order.
func (p *Profile) Populate(ctx context.Context, req *models.Request, tmpl *models.CertTemplate) error {
	if tmpl.CertType == "" {
		tmpl.CertType = p.CertType
	}
	for _, d := range p.defaults {
		if err := d.Populate(ctx, req, tmpl); err != nil {
			return err
		}
	}
	return nil
}

// Registry holds the loaded profiles by id.
type Registry struct {
	env *Env

	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry(env *Env) *Registry {
	if env == nil {
		env = &Env{}
	}
	return &Registry{env: env.withDefaults(), profiles: map[string]*Profile{}}
}

// Add builds a profile from spec; every default class must be known.
func (r *Registry) Add(spec Spec) error {
	if spec.ID == "" {
		return fmt.Errorf("profile without id")
	}
	p := &Profile{
		ID:               spec.ID,
		Name:             spec.Name,
		Enabled:          spec.Enabled,
		CertType:         spec.CertType,
		RequiresApproval: spec.RequiresApproval,
	}
	if p.CertType == "" {
		p.CertType = "client"
	}
	for i, ds := range spec.Defaults {
		d, err := NewDefault(ds.Class, r.env, ds.Params)
		if err != nil {
			return fmt.Errorf("profile %s default %d: %w", spec.ID, i, err)
		}
		p.defaults = append(p.defaults, d)
	}
	r.mu.Lock()
	r.profiles[p.ID] = p
	r.mu.Unlock()
	return nil
}

// Get returns the profile with id.
func (r *Registry) Get(id string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// IDs lists the loaded profile ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Load reads profiles from a YAML file into a new registry.
func Load(path string, env *Env) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}
	return Parse(data, env)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte, env *Env) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profiles file: %w", err)
	}
	r := NewRegistry(env)
	for _, spec := range f.Profiles {
		if err := r.Add(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// BuiltinProfiles is used when no profiles file is configured.
func BuiltinProfiles() []Spec {
	return []Spec{{
		ID:       "caUserCert",
		Name:     "Manual User Dual-Use Certificate Enrollment",
		Enabled:  true,
		CertType: "client",
		Defaults: []DefaultSpec{
			{Class: ValidityDefaultClass, Params: map[string]string{"range": "180"}},
			{Class: SigningAlgDefaultClass, Params: map[string]string{"signingAlg": "-"}},
			{Class: SubjectAltNameClass, Params: map[string]string{
				"subjAltNameNumGNs":      "1",
				"subjAltExtGNEnable_0":   "true",
				"subjAltExtType_0":       "RFC822Name",
				"subjAltExtPattern_0":    "$request.requestor_email$",
				"subjAltNameExtCritical": "false",
			}},
		},
	}}
}
