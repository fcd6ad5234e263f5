package sites

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed sites.yaml
var defaultTable []byte

// ErrNoSites is returned for a site table without entries.
var ErrNoSites = errors.New("site table has no sites")

type tableFile struct {
	Sites []siteEntry `yaml:"sites"`
}

type siteEntry struct {
	ID            string            `yaml:"id"`
	Markers       []string          `yaml:"markers"`
	Strategy      string            `yaml:"strategy"`
	Extractor     string            `yaml:"extractor"`
	Headers       map[string]string `yaml:"headers"`
	WaitSelectors []string          `yaml:"wait_selectors"`
}

// DefaultRegistry returns the built-in bookstore table.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(bytes.NewReader(defaultTable))
}

// LoadRegistryFile reads a site table from path.
func LoadRegistryFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open site table: %w", err)
	}
	defer f.Close()
	return LoadRegistry(f)
}

// LoadRegistry decodes a yaml site table and registers its entries in order.
func LoadRegistry(r io.Reader) (*Registry, error) {
	var table tableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return nil, fmt.Errorf("decode site table: %w", err)
	}
	if len(table.Sites) == 0 {
		return nil, ErrNoSites
	}

	adapters := make([]Adapter, 0, len(table.Sites))
	for _, entry := range table.Sites {
		extractor := entry.Extractor
		if extractor == "" {
			extractor = entry.ID
		}
		adapters = append(adapters, Adapter{
			ID:            entry.ID,
			Markers:       entry.Markers,
			Strategy:      Strategy(entry.Strategy),
			ExtractorName: extractor,
			Headers:       entry.Headers,
			WaitSelectors: entry.WaitSelectors,
		})
	}
	return NewRegistry(adapters...)
}
