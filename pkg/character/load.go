package character

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cpunion/chorus/pkg/types"
)

// File is the on-disk layout of a character catalog.
type File struct {
	ImageSpecialist types.CharacterID    `yaml:"image_specialist"`
	FoodSpecialist  types.CharacterID    `yaml:"food_specialist"`
	Default         types.CharacterID    `yaml:"default"`
	Characters      []*types.AICharacter `yaml:"characters"`
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Characters) == 0 {
		return nil, fmt.Errorf("catalog has no characters")
	}
	return NewCatalog(f.Characters, Roles{
		ImageSpecialist: f.ImageSpecialist,
		FoodSpecialist:  f.FoodSpecialist,
		Default:         f.Default,
	})
}

// WriteCatalog writes c as YAML so it can be edited and loaded back.
func WriteCatalog(path string, c *Catalog) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(File{
		ImageSpecialist: c.imageSpecialist,
		FoodSpecialist:  c.foodSpecialist,
		Default:         c.defaultID,
		Characters:      c.All(),
	})
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
