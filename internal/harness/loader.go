package harness

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

// sharedImage is loaded as a reference by every case.
const sharedImage = "corlib.yaml"

// LoadTestCase reads dir/expected.yaml.
func LoadTestCase(t *testing.T, dir, root string) *TestCase {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "expected.yaml"))
	if err != nil {
		t.Fatalf("read expected.yaml: %v", err)
	}

	var tc TestCase
	if err := yaml.Unmarshal(data, &tc); err != nil {
		t.Fatalf("parse %s/expected.yaml: %v", dir, err)
	}

	rel, err := filepath.Rel(root, dir)
	if err != nil {
		t.Fatalf("relative path of %s: %v", dir, err)
	}
	tc.Dir = rel
	tc.Path = dir

	if len(tc.Images) == 0 {
		tc.Images = []string{"image.yaml"}
	}
	if len(tc.Configurations) == 0 {
		t.Fatalf("%s: no configurations", rel)
	}
	for i, c := range tc.Configurations {
		if c.Name == "" {
			tc.Configurations[i].Name = "default"
		}
	}
	return &tc
}

// imagePaths returns the case images followed by the shared reference.
func (tc *TestCase) imagePaths(root string) []string {
	paths := make([]string, 0, len(tc.Images)+1)
	for _, img := range tc.Images {
		paths = append(paths, filepath.Join(tc.Path, img))
	}
	return append(paths, filepath.Join(root, sharedImage))
}

func (tc *TestCase) docPaths() []string {
	paths := make([]string, len(tc.Docs))
	for i, d := range tc.Docs {
		paths[i] = filepath.Join(tc.Path, d)
	}
	return paths
}
