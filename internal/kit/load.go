package kit

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed kit.schema.json
var schemaJSON []byte

const schemaURL = "kit-v1.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func kitSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("kit: add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("kit: compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// Schema returns the embedded JSON Schema document.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// file mirrors the on-disk layout; lugs is optional there.
type file struct {
	Name       string     `json:"name"`
	ActiveDrum string     `json:"active_drum"`
	ActiveHead string     `json:"active_head"`
	Drums      []fileDrum `json:"drums"`
}

type fileDrum struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	SizeIn float64    `json:"size_in"`
	Lugs   *int       `json:"lugs"`
	Target TargetSpec `json:"target"`
}

// Load reads a kit file. The format is chosen by extension (.toml, .json,
// .yaml/.yml); anything else is tried as JSON.
func Load(path string) (*Kit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kit: read %s: %w", path, err)
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	k, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return k, nil
}

// Parse decodes, schema-checks and validates a kit document.
func Parse(data []byte, format string) (*Kit, error) {
	doc, err := normalize(data, format)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	var f file
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("kit: decode: %w", err)
	}

	k := &Kit{Name: f.Name, ActiveDrumID: f.ActiveDrum, ActiveHead: Head(f.ActiveHead)}
	for _, fd := range f.Drums {
		t, err := ParseDrumType(fd.Type)
		if err != nil {
			return nil, err
		}
		lugs := DefaultLugs(t, fd.SizeIn)
		if fd.Lugs != nil {
			lugs = *fd.Lugs
		}
		k.Drums = append(k.Drums, Drum{
			ID:             fd.ID,
			Type:           t,
			DiameterInches: fd.SizeIn,
			LugCount:       lugs,
			Target:         fd.Target,
		})
	}

	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// ValidateDocument checks a JSON document against the kit schema.
func ValidateDocument(doc []byte) error {
	schema, err := kitSchema()
	if err != nil {
		return err
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("kit: decode: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("kit: schema: %w", err)
	}
	return nil
}

// normalize converts any supported format to JSON so that one schema and one
// decoder serve every format.
func normalize(data []byte, format string) ([]byte, error) {
	var raw map[string]any
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("kit: parse toml: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("kit: parse yaml: %w", err)
		}
	default:
		if !json.Valid(data) {
			return nil, fmt.Errorf("kit: parse json: invalid document")
		}
		return data, nil
	}

	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("kit: encode: %w", err)
	}
	return out, nil
}

// Marshal encodes a kit in the given format.
func Marshal(k *Kit, format string) ([]byte, error) {
	switch format {
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(k); err != nil {
			return nil, fmt.Errorf("kit: encode toml: %w", err)
		}
		return buf.Bytes(), nil
	case "yaml", "yml":
		return yaml.Marshal(k)
	default:
		return json.MarshalIndent(k, "", "  ")
	}
}
