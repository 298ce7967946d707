package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"dpas/internal/services"
)

// UndefinedName fills gaps in the class index space.
const UndefinedName = "undefined"

// Tag is one entry of tags.json. IDs are 1-based.
type Tag struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// LoadManifest reads and validates tags.json.
func LoadManifest(path string) ([]Tag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrManifest, "dataset", "load manifest", "tag manifest not found: "+path, nil)
		}
		return nil, services.Wrap(services.ErrManifest, "dataset", "load manifest", filepath.Base(path), err)
	}
	var tags []Tag
	if err := json.Unmarshal(data, &tags); err != nil {
		return nil, services.Wrap(services.ErrManifest, "dataset", "load manifest", "parse "+filepath.Base(path), err)
	}
	seen := make(map[int]struct{}, len(tags))
	for _, tag := range tags {
		if tag.ID < 1 {
			return nil, services.Wrap(services.ErrManifest, "dataset", "load manifest",
				fmt.Sprintf("tag %q has id %d; ids start at 1", tag.Name, tag.ID), nil)
		}
		if _, dup := seen[tag.ID]; dup {
			return nil, services.Wrap(services.ErrManifest, "dataset", "load manifest",
				fmt.Sprintf("duplicate tag id %d", tag.ID), nil)
		}
		seen[tag.ID] = struct{}{}
	}
	return tags, nil
}

// BuildNames maps manifest ids to 0-based class indices. Every index in
// [0, max id) is present; indices with no tag are named UndefinedName.
func BuildNames(tags []Tag) map[int]string {
	maxID := 0
	for _, tag := range tags {
		maxID = max(maxID, tag.ID)
	}
	names := make(map[int]string, maxID)
	for i := range maxID {
		names[i] = UndefinedName
	}
	for _, tag := range tags {
		if name := strings.TrimSpace(tag.Name); name != "" {
			names[tag.ID-1] = name
		}
	}
	return names
}

type tagsFile struct {
	Path  string         `yaml:"path"`
	Train string         `yaml:"train"`
	Val   string         `yaml:"val"`
	Test  string         `yaml:"test"`
	Names map[int]string `yaml:"names"`
}

// MarshalTagsYAML renders the training config with empty split paths.
func MarshalTagsYAML(names map[int]string) ([]byte, error) {
	if names == nil {
		names = map[int]string{}
	}
	data, err := yaml.Marshal(tagsFile{Names: names})
	if err != nil {
		return nil, fmt.Errorf("encode tags.yaml: %w", err)
	}
	return data, nil
}

// WriteTagsYAML writes tags.yaml for names to path.
func WriteTagsYAML(path string, names map[int]string) error {
	data, err := MarshalTagsYAML(names)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
