package question

import (
	"context"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

type catalog struct {
	Questions []*Question `yaml:"questions"`
}

// LoadCatalog reads a YAML question catalog.
func LoadCatalog(path string) ([]*Question, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read catalog %s", path)
	}
	var c catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal catalog %s", path)
	}
	return c.Questions, nil
}

// NewStoreFromCatalog loads a YAML catalog into an in-memory store.
func NewStoreFromCatalog(path string) (*InMemoryStore, error) {
	qs, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	s := NewInMemoryStore()
	for _, q := range qs {
		if err := s.AddQuestion(context.Background(), q); err != nil {
			return nil, err
		}
	}
	return s, nil
}
