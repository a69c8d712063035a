package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// InstitutionSeed is one institution row the service guarantees to exist
// at startup.
type InstitutionSeed struct {
	InstitutionID string `yaml:"institution_id"`
	Name          string `yaml:"name"`
}

type institutionsSeedFile struct {
	Institutions []InstitutionSeed `yaml:"institutions"`
}

// LoadInstitutionsSeed parses the YAML seed file listing the supported
// institutions.
func LoadInstitutionsSeed(path string) ([]InstitutionSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading institutions seed %s: %w", path, err)
	}

	var seed institutionsSeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing institutions seed %s: %w", path, err)
	}

	for i, inst := range seed.Institutions {
		if inst.InstitutionID == "" || inst.Name == "" {
			return nil, fmt.Errorf("institutions seed %s: entry %d missing institution_id or name", path, i)
		}
	}
	return seed.Institutions, nil
}
