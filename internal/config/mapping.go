package config

import (
	"fmt"
	"os"

	"github.com/BartekS5/opendata-import/pkg/models"
)

// LoadMapping reads and validates the pipeline mapping file.
func LoadMapping(filePath string) (*models.MappingConfig, error) {
	bytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file '%s': %w", filePath, err)
	}

	config, err := models.LoadMapping(bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mapping file '%s': %w", filePath, err)
	}

	return config, nil
}
