package detect

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_vocabulary.yaml
var defaultVocabularyYAML []byte

type Location struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Alias maps a nickname onto a canonical location name.
type Alias struct {
	Alias    string `yaml:"alias"`
	Location string `yaml:"location"`
}

// Phrase is a target-language phrase in canonical script with its Latin
// renderings.
type Phrase struct {
	Text             string   `yaml:"text" json:"text"`
	Meaning          string   `yaml:"meaning" json:"meaning,omitempty"`
	Transliterations []string `yaml:"transliterations" json:"-"`
}

// Vocabulary holds the matching tables. Order is significant: the first
// matching location, alias or phrase wins.
type Vocabulary struct {
	Locations      []Location `yaml:"locations"`
	Aliases        []Alias    `yaml:"aliases"`
	VisitTriggers  []string   `yaml:"visit_triggers"`
	PhraseTriggers []string   `yaml:"phrase_triggers"`
	Phrases        []Phrase   `yaml:"phrases"`
}

// DefaultVocabulary returns the built-in Poti vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := ParseVocabulary(defaultVocabularyYAML)
	if err != nil {
		panic(fmt.Sprintf("detect: invalid built-in vocabulary: %v", err))
	}
	return v
}

// LoadVocabulary reads a YAML vocabulary file.
func LoadVocabulary(path string) (*Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	v, err := ParseVocabulary(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func ParseVocabulary(raw []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse vocabulary: %w", err)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// Validate checks that every entry is usable and every alias names a known
// location.
func (v *Vocabulary) Validate() error {
	names := make(map[string]struct{}, len(v.Locations))
	ids := make(map[string]struct{}, len(v.Locations))
	for i, loc := range v.Locations {
		if strings.TrimSpace(loc.ID) == "" || strings.TrimSpace(loc.Name) == "" {
			return fmt.Errorf("locations[%d]: id and name are required", i)
		}
		if _, dup := ids[loc.ID]; dup {
			return fmt.Errorf("locations[%d]: duplicate id %q", i, loc.ID)
		}
		ids[loc.ID] = struct{}{}
		names[strings.ToLower(loc.Name)] = struct{}{}
	}
	for i, a := range v.Aliases {
		if strings.TrimSpace(a.Alias) == "" {
			return fmt.Errorf("aliases[%d]: alias is required", i)
		}
		if _, ok := names[strings.ToLower(a.Location)]; !ok {
			return fmt.Errorf("aliases[%d]: unknown location %q", i, a.Location)
		}
	}
	for i, p := range v.Phrases {
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("phrases[%d]: text is required", i)
		}
	}
	if len(v.VisitTriggers) == 0 {
		return fmt.Errorf("visit_triggers must not be empty")
	}
	if len(v.PhraseTriggers) == 0 {
		return fmt.Errorf("phrase_triggers must not be empty")
	}
	return nil
}

func (v *Vocabulary) locationByName(name string) (Location, bool) {
	for _, loc := range v.Locations {
		if strings.EqualFold(loc.Name, name) {
			return loc, true
		}
	}
	return Location{}, false
}
