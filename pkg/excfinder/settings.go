package excfinder

import (
	"fmt"

	"github.com/715d/excfinder/pkg/flow"
)

// Settings configures which calls the analysis follows and how
// documentation is used. The zero value follows every call and ignores
// documentation.
type Settings struct {
	// SameClassOnly follows only calls into the caller's own class.
	SameClassOnly bool `yaml:"same_class_only" mapstructure:"same_class_only" json:"same_class_only"`
	// SameAssemblyOnly follows only calls into the caller's assembly.
	SameAssemblyOnly bool `yaml:"same_assembly_only" mapstructure:"same_assembly_only" json:"same_assembly_only"`
	// IgnoreFrameworkNamespaces skips calls into System, Microsoft, Windows
	// and Mono namespaces.
	IgnoreFrameworkNamespaces bool `yaml:"ignore_framework_namespaces" mapstructure:"ignore_framework_namespaces" json:"ignore_framework_namespaces"`
	// IgnoreAccessorMethods skips calls to property and event accessors.
	IgnoreAccessorMethods bool `yaml:"ignore_accessor_methods" mapstructure:"ignore_accessor_methods" json:"ignore_accessor_methods"`
	// DocumentationPolicy is one of never, prefer, only or combine. Empty
	// means never.
	DocumentationPolicy string `yaml:"documentation_policy" mapstructure:"documentation_policy" json:"documentation_policy"`
}

func (s Settings) flow() (flow.Settings, error) {
	fs := flow.Settings{
		SameClassOnly:             s.SameClassOnly,
		SameAssemblyOnly:          s.SameAssemblyOnly,
		IgnoreFrameworkNamespaces: s.IgnoreFrameworkNamespaces,
		IgnoreAccessorMethods:     s.IgnoreAccessorMethods,
	}
	if s.DocumentationPolicy != "" {
		p, err := flow.ParseDocPolicy(s.DocumentationPolicy)
		if err != nil {
			return flow.Settings{}, fmt.Errorf("invalid settings: %w", err)
		}
		fs.DocumentationPolicy = p
	}
	return fs, nil
}
