package units

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/upb/vc-policy-gateway/services"
	"github.com/upb/vc-policy-gateway/services/policy"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Unit types accepted in a bundle file
const (
	TypeAllowList = "allowlist"
	TypeStarlark  = "starlark"
)

// UnitSpec is one entry of the units section
type UnitSpec struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
	Type    string `yaml:"type"`

	// allowlist
	SubjectClaim string   `yaml:"subject_claim,omitempty"`
	Subjects     []string `yaml:"subjects,omitempty"`
	IssuerClaim  string   `yaml:"issuer_claim,omitempty"`
	Issuers      []string `yaml:"issuers,omitempty"`
	Resources    []string `yaml:"resources,omitempty"`

	// starlark
	File          string `yaml:"file,omitempty"` // relative to the bundle file
	Source        string `yaml:"source,omitempty"`
	MaxSteps      uint64 `yaml:"max_steps,omitempty"`
	RawCredential bool   `yaml:"raw_credential,omitempty"`
}

// BindingSpec maps a resource pattern to a unit name
type BindingSpec struct {
	Resource string `yaml:"resource"`
	Unit     string `yaml:"unit"`
}

// Bundle is the root of a policy bundle file
type Bundle struct {
	Units    []UnitSpec    `yaml:"units"`
	Bindings []BindingSpec `yaml:"bindings"`
}

// LoadOptions carries defaults applied while building units
type LoadOptions struct {
	MaxSteps uint64
	Logger   *zap.Logger
}

// LoadFile reads a bundle from path and builds its bindings
func LoadFile(path string, opts LoadOptions) ([]policy.Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, invalidSpec(fmt.Errorf("policy bundle read: %w", err))
	}
	return Load(data, filepath.Dir(path), opts)
}

// Load parses a bundle. Relative script paths are resolved against baseDir.
func Load(data []byte, baseDir string, opts LoadOptions) ([]policy.Binding, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, invalidSpec(fmt.Errorf("policy bundle unmarshal: %w", err))
	}
	if len(b.Bindings) == 0 {
		return nil, invalidSpec(fmt.Errorf("policy bundle has no bindings"))
	}

	built := make(map[string]policy.Unit, len(b.Units))
	for i, spec := range b.Units {
		if _, dup := built[spec.Name]; dup {
			return nil, invalidSpec(fmt.Errorf("unit %d: duplicate name %q", i, spec.Name))
		}
		u, err := buildUnit(spec, baseDir, opts)
		if err != nil {
			return nil, err
		}
		built[spec.Name] = u
	}

	bindings := make([]policy.Binding, 0, len(b.Bindings))
	for _, bs := range b.Bindings {
		u, ok := built[bs.Unit]
		if !ok {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, "policy unit not defined",
				fmt.Errorf("binding %q references unit %q", bs.Resource, bs.Unit)).
				WithDetail("unit", bs.Unit)
		}
		bindings = append(bindings, policy.Binding{Pattern: bs.Resource, Unit: u})
	}
	return bindings, nil
}

func buildUnit(spec UnitSpec, baseDir string, opts LoadOptions) (policy.Unit, error) {
	switch spec.Type {
	case TypeAllowList:
		u, err := NewAllowList(AllowListConfig{
			Name:         spec.Name,
			Version:      spec.Version,
			SubjectClaim: spec.SubjectClaim,
			Subjects:     spec.Subjects,
			IssuerClaim:  spec.IssuerClaim,
			Issuers:      spec.Issuers,
			Resources:    spec.Resources,
		})
		if err != nil {
			return nil, err
		}
		return u, nil
	case TypeStarlark:
		file := spec.File
		if file != "" && !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		maxSteps := spec.MaxSteps
		if maxSteps == 0 {
			maxSteps = opts.MaxSteps
		}
		u, err := NewStarlark(StarlarkConfig{
			Name:          spec.Name,
			Version:       spec.Version,
			File:          file,
			Source:        spec.Source,
			MaxSteps:      maxSteps,
			RawCredential: spec.RawCredential,
		}, opts.Logger)
		if err != nil {
			return nil, err
		}
		return u, nil
	}
	return nil, invalidSpec(fmt.Errorf("unit %q: unknown type %q", spec.Name, spec.Type))
}
