// Package image loads CLI assembly images described in YAML and serves them
// as a metadata.Provider.
//
// An image declares one assembly: its types, their fields, properties and
// methods, and each method's body as textual IL (assembled with pkg/ilasm)
// or as raw hex bytes. Type and member references use the forms
//
//	[Asm]Ns.Name  Ns.Name[]  Ns.Name&  Ns.Box`1<System.String>  !0  !!0
//	Ns.Type::Method(System.String)  Ns.Type::field
package image

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// File is the YAML form of an assembly image.
type File struct {
	Assembly string    `yaml:"assembly"`
	Types    []TypeDef `yaml:"types"`

	// Path is the file the image was read from, if any.
	Path string `yaml:"-"`
}

// TypeDef declares a type.
type TypeDef struct {
	Namespace  string        `yaml:"namespace"`
	Name       string        `yaml:"name"`
	Base       string        `yaml:"base,omitempty"`
	Interfaces []string      `yaml:"interfaces,omitempty"`
	Fields     []FieldDef    `yaml:"fields,omitempty"`
	Properties []PropertyDef `yaml:"properties,omitempty"`
	Methods    []MethodDef   `yaml:"methods,omitempty"`
}

// FieldDef declares a field.
type FieldDef struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Static bool   `yaml:"static,omitempty"`
}

// PropertyDef groups accessor methods, named by their method names.
type PropertyDef struct {
	Name string `yaml:"name"`
	Get  string `yaml:"get,omitempty"`
	Set  string `yaml:"set,omitempty"`
}

// MethodDef declares a method and its body.
type MethodDef struct {
	Name     string       `yaml:"name"`
	Static   bool         `yaml:"static,omitempty"`
	Abstract bool         `yaml:"abstract,omitempty"`
	Special  bool         `yaml:"special,omitempty"`
	Params   []string     `yaml:"params,omitempty"`
	Returns  string       `yaml:"returns,omitempty"`
	Locals   []string     `yaml:"locals,omitempty"`
	IL       string       `yaml:"il,omitempty"`
	Hex      string       `yaml:"hex,omitempty"`
	Handlers []HandlerDef `yaml:"handlers,omitempty"`
}

// HandlerDef declares an exception-handling clause. Ranges are [start, end)
// label pairs; "end" names the end of the body.
type HandlerDef struct {
	Kind    string    `yaml:"kind"`
	Type    string    `yaml:"type,omitempty"`
	Try     [2]string `yaml:"try"`
	Handler [2]string `yaml:"handler"`
	Filter  string    `yaml:"filter,omitempty"`
}

// Parse decodes one image. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if f.Assembly == "" {
		return nil, fmt.Errorf("image has no assembly name")
	}
	return &f, nil
}

// ReadFile reads and parses the image at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Load reads the images at paths concurrently and builds a Universe from
// them.
func Load(ctx context.Context, paths ...string) (*Universe, error) {
	files := make([]*File, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := ReadFile(path)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slog.Debug("read images", "count", len(files))
	return Build(files...)
}
