package zoneguard

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-blackswan/sentinel/internal/models"
)

// PolicyFile is the on-disk zone policy format.
//
//	zones:
//	  - pattern: src/core/**
//	    level: SURGICAL_ONLY
//	    reason: core runtime
//	    allowed_operations: [FILE_MODIFY]
type PolicyFile struct {
	Zones []PolicyZone `yaml:"zones"`
}

// PolicyZone is one entry of a PolicyFile.
type PolicyZone struct {
	Pattern           string   `yaml:"pattern"`
	Level             string   `yaml:"level"`
	Reason            string   `yaml:"reason"`
	AllowedOperations []string `yaml:"allowed_operations"`
}

// LoadZonesFile reads and validates a YAML policy file. Zones keep file order, with
// strictly increasing creation times so that stored order matches file order.
func LoadZonesFile(path, projectID string) ([]models.ProtectionZone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zone policy: %w", err)
	}
	return ParseZones(data, projectID)
}

// ParseZones decodes a policy document.
func ParseZones(data []byte, projectID string) ([]models.ProtectionZone, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing zone policy: %w", err)
	}

	base := time.Now().UTC()
	zones := make([]models.ProtectionZone, 0, len(pf.Zones))
	for i, pz := range pf.Zones {
		level, err := models.ParseProtectionLevel(pz.Level)
		if err != nil {
			return nil, fmt.Errorf("zone %d (%s): %w", i, pz.Pattern, err)
		}
		z := models.ProtectionZone{
			ProjectID:   projectID,
			PathPattern: pz.Pattern,
			Level:       level,
			Reason:      pz.Reason,
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}
		for _, op := range pz.AllowedOperations {
			z.AllowedOperations = append(z.AllowedOperations, models.OperationType(op))
		}
		if err := ValidateZone(&z); err != nil {
			return nil, fmt.Errorf("zone %d (%s): %w", i, pz.Pattern, err)
		}
		zones = append(zones, z)
	}
	return zones, nil
}
