// Package alert defines the inbound alert payload that opens an incident.
package alert

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Severity levels accepted on ingestion.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Alert is a single detected problem reported by a monitoring source.
type Alert struct {
	ID               string             `json:"id,omitempty" validate:"omitempty,max=128"`
	Type             string             `json:"type" validate:"required,max=64"`
	Severity         string             `json:"severity" validate:"required,oneof=critical high medium low"`
	Message          string             `json:"message,omitempty" validate:"max=4096"`
	SourceSystem     string             `json:"source_system,omitempty" validate:"max=256"`
	AffectedServices []string           `json:"affected_services,omitempty" validate:"max=64,dive,required,max=256"`
	Metrics          map[string]float64 `json:"metrics,omitempty" validate:"max=64"`
	Metadata         map[string]string  `json:"metadata,omitempty" validate:"max=64"`
	Timestamp        time.Time          `json:"timestamp"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func v() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Normalize lower-cases the enumerated fields and trims whitespace so
// validation and rule matching see canonical values.
func (a *Alert) Normalize() {
	a.Type = strings.ToLower(strings.TrimSpace(a.Type))
	a.Severity = strings.ToLower(strings.TrimSpace(a.Severity))
	a.Message = strings.TrimSpace(a.Message)
	a.SourceSystem = strings.TrimSpace(a.SourceSystem)
}

// Validate reports every field that violates the alert contract.
func (a *Alert) Validate() error {
	if a == nil {
		return errors.New("alert is required")
	}
	err := v().Struct(a)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("%s: failed %q", jsonPath(fe.Namespace()), fe.Tag()))
	}
	return errors.Join(errs...)
}

// Metric returns the named metric or zero when absent.
func (a *Alert) Metric(name string) float64 {
	if a == nil || a.Metrics == nil {
		return 0
	}
	return a.Metrics[name]
}

// Clone returns a deep copy.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	if a.AffectedServices != nil {
		cp.AffectedServices = append([]string(nil), a.AffectedServices...)
	}
	if a.Metrics != nil {
		cp.Metrics = make(map[string]float64, len(a.Metrics))
		for k, val := range a.Metrics {
			cp.Metrics[k] = val
		}
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, val := range a.Metadata {
			cp.Metadata[k] = val
		}
	}
	return &cp
}

// jsonPath turns "Alert.AffectedServices[0]" into "affected_services[0]".
func jsonPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	var b strings.Builder
	for i, r := range ns {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && ns[i-1] != '[' && ns[i-1] != '.' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
