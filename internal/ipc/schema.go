package ipc

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "file:///drawhost/schemas/"

// schemaSet holds the compiled request schemas by file name.
type schemaSet struct {
	byName map[string]*jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     *schemaSet
	schemasErr  error
)

// loadSchemas compiles the embedded schemas once per process.
func loadSchemas() (*schemaSet, error) {
	schemasOnce.Do(func() {
		schemas, schemasErr = compileSchemas(schemaFS)
	})
	return schemas, schemasErr
}

func compileSchemas(fsys fs.FS) (*schemaSet, error) {
	files, err := fs.Glob(fsys, "schemas/*.json")
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	for _, f := range files {
		data, err := fs.ReadFile(fsys, f)
		if err != nil {
			return nil, err
		}
		if err := compiler.AddResource(schemaBase+path.Base(f), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("ipc: schema %s: %w", f, err)
		}
	}

	set := &schemaSet{byName: make(map[string]*jsonschema.Schema, len(files))}
	for _, f := range files {
		name := path.Base(f)
		s, err := compiler.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("ipc: compile schema %s: %w", name, err)
		}
		set.byName[name] = s
	}
	return set, nil
}

// validate checks doc (a json.Unmarshal'd value) against the named schema.
func (s *schemaSet) validate(name string, doc any) error {
	sch, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("ipc: no schema %q", name)
	}
	return sch.Validate(doc)
}
