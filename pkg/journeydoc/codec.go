package journeydoc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/trailhead/pkg/api"
)

var jsonAPI = sonic.Config{
	SortMapKeys:           true,
	DisallowUnknownFields: true,
}.Froze()

// Format is a document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor picks the format from a file name's extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported journey document extension %q", filepath.Ext(path))
}

// Encode writes j to w.
func Encode(w io.Writer, format Format, j api.Journey) error {
	doc := FromJourney(j)
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		data, err := jsonAPI.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err
	}
	return fmt.Errorf("unknown format %q", format)
}

// Decode reads one journey from r. Unknown fields are rejected so a typo
// does not silently drop part of a journey.
func Decode(r io.Reader, format Format) (api.Journey, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return api.Journey{}, errors.New("decode yaml: empty document")
			}
			return api.Journey{}, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		data, err := io.ReadAll(r)
		if err != nil {
			return api.Journey{}, err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return api.Journey{}, errors.New("decode json: empty document")
		}
		if err := jsonAPI.Unmarshal(data, &doc); err != nil {
			return api.Journey{}, fmt.Errorf("decode json: %w", err)
		}
	default:
		return api.Journey{}, fmt.Errorf("unknown format %q", format)
	}
	return doc.Journey()
}

// Load reads a journey from a .yaml, .yml or .json file.
func Load(path string) (api.Journey, error) {
	format, err := FormatFor(path)
	if err != nil {
		return api.Journey{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return api.Journey{}, err
	}
	defer f.Close()

	j, err := Decode(f, format)
	if err != nil {
		return api.Journey{}, fmt.Errorf("%s: %w", path, err)
	}
	return j, nil
}

// Save writes j to path in the format its extension names.
func Save(path string, j api.Journey) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, format, j); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
