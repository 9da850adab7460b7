package stages

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed runbooks.yaml
var defaultRunbooks []byte

// RunbookStep is one step template of a runbook.
type RunbookStep struct {
	Description     string `yaml:"description" validate:"required"`
	Command         string `yaml:"command"`
	ExpectedResult  string `yaml:"expected_result"`
	Automatable     bool   `yaml:"automation_possible"`
	RiskLevel       string `yaml:"risk_level" validate:"required,oneof=low medium high"`
	RollbackCommand string `yaml:"rollback_command"`
}

// Runbook is a proven resolution procedure for a category of incident.
type Runbook struct {
	Title            string        `yaml:"title" validate:"required"`
	Category         string        `yaml:"category" validate:"required"`
	SeverityLevels   []string      `yaml:"severity_levels" validate:"required,min=1,dive,oneof=critical high medium low"`
	EstimatedMinutes int           `yaml:"estimated_minutes" validate:"gte=0"`
	SuccessRate      float64       `yaml:"success_rate" validate:"gte=0,lte=1"`
	Prerequisites    []string      `yaml:"prerequisites"`
	Steps            []RunbookStep `yaml:"steps" validate:"required,min=1,dive"`
}

// Catalog is an ordered set of runbooks. Earlier entries win ties.
type Catalog struct {
	Runbooks []Runbook `yaml:"runbooks" validate:"required,min=1,dive"`
}

// LoadCatalog decodes and validates a YAML runbook catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("runbook catalog is empty")
		}
		return nil, fmt.Errorf("decode runbook catalog: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid runbook catalog: %w", err)
	}
	return &c, nil
}

// DefaultCatalog returns the built-in runbook catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(bytes.NewReader(defaultRunbooks))
	if err != nil {
		panic(fmt.Sprintf("embedded runbooks.yaml: %v", err))
	}
	return c
}

// Match returns up to limit runbooks for the category and severity. When no
// runbook covers the category, any runbook covering the severity is used.
func (c *Catalog) Match(category, severity string, limit int) []Runbook {
	var out []Runbook
	for _, rb := range c.Runbooks {
		if rb.Category == category && slices.Contains(rb.SeverityLevels, severity) {
			out = append(out, rb)
		}
	}
	if len(out) == 0 {
		for _, rb := range c.Runbooks {
			if slices.Contains(rb.SeverityLevels, severity) {
				out = append(out, rb)
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
