package harness

import "github.com/715d/excfinder/pkg/excfinder"

// TestCase is one directory under testdata. Its expected.yaml names the
// images to load and the results expected under each configuration.
type TestCase struct {
	// Dir is the directory name relative to the testdata root.
	Dir string `yaml:"-"`
	// Path is the absolute directory path.
	Path string `yaml:"-"`

	Description string `yaml:"description"`
	// Images are image files relative to the case directory. Defaults to
	// image.yaml. The shared corlib.yaml is always loaded as a reference.
	Images []string `yaml:"images"`
	// Docs are XML documentation files relative to the case directory.
	Docs           []string        `yaml:"docs"`
	Configurations []Configuration `yaml:"configurations"`
}

// Configuration is one analyzer setup and its expectations.
type Configuration struct {
	Name     string             `yaml:"name"`
	Settings excfinder.Settings `yaml:"settings"`
	Expected []ExpectedMethod   `yaml:"expected"`
}

// ExpectedMethod lists what one method is expected to produce. Type lists
// are compared as sets of full type names.
type ExpectedMethod struct {
	Method    string   `yaml:"method"`
	Unhandled []string `yaml:"unhandled"`
	// Thrown is checked only when set.
	Thrown []string `yaml:"thrown"`
	// Failed expects the body to be reported as malformed.
	Failed bool `yaml:"failed"`
}
