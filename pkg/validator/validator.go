package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/CMBAgents/cmbcluster-sub000/pkg/models"
)

var (
	// Valid Kubernetes resource formats
	cpuRegex    = regexp.MustCompile(`^(\d+)m?$`)
	memoryRegex = regexp.MustCompile(`^(\d+)(Mi|Gi|M|G|Ki|K)?$`)
	keyRegex    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Validator handles input validation
type Validator struct {
	maxCPU    int64
	maxMemory int64
}

// New creates a new validator with resource ceilings in millicores and bytes.
func New(maxCPU, maxMemory int64) *Validator {
	return &Validator{
		maxCPU:    maxCPU,
		maxMemory: maxMemory,
	}
}

// ValidateCreateRequest validates an environment creation request. Image and
// resources are optional; configured defaults fill the gaps.
func (v *Validator) ValidateCreateRequest(req *models.CreateEnvironmentRequest) error {
	if req.Resources.CPU != "" || req.Resources.Memory != "" {
		if err := v.ValidateResourceSpec(&req.Resources); err != nil {
			return fmt.Errorf("invalid resources: %w", err)
		}
	}

	// Validate environment variables
	for k := range req.Env {
		if !keyRegex.MatchString(k) {
			return fmt.Errorf("invalid environment variable name %q", k)
		}
	}

	// Validate labels
	for k, val := range req.Labels {
		if k == "" {
			return fmt.Errorf("label key cannot be empty")
		}
		if len(k) > 63 {
			return fmt.Errorf("label key must be 63 characters or less")
		}
		if len(val) > 63 {
			return fmt.Errorf("label value must be 63 characters or less")
		}
	}

	return nil
}

// ValidateResourceSpec validates resource specifications
func (v *Validator) ValidateResourceSpec(spec *models.ResourceSpec) error {
	if spec.CPU == "" {
		return fmt.Errorf("cpu is required")
	}

	cpu, err := parseCPU(spec.CPU)
	if err != nil {
		return fmt.Errorf("invalid cpu format: %w", err)
	}

	if cpu > v.maxCPU {
		return fmt.Errorf("cpu exceeds maximum allowed (%dm)", v.maxCPU)
	}

	if cpu <= 0 {
		return fmt.Errorf("cpu must be positive")
	}

	if spec.Memory == "" {
		return fmt.Errorf("memory is required")
	}

	memory, err := parseMemory(spec.Memory)
	if err != nil {
		return fmt.Errorf("invalid memory format: %w", err)
	}

	if memory > v.maxMemory {
		return fmt.Errorf("memory exceeds maximum allowed (%d bytes)", v.maxMemory)
	}

	if memory <= 0 {
		return fmt.Errorf("memory must be positive")
	}

	return nil
}

// ValidateObjectKey validates an artifact key for the object endpoints.
func (v *Validator) ValidateObjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key is required")
	}
	if len(key) > 1024 {
		return fmt.Errorf("object key must be 1024 characters or less")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("object key must be a relative path without traversal")
	}
	return nil
}

// parseCPU parses CPU resource string to millicores
func parseCPU(cpu string) (int64, error) {
	if !cpuRegex.MatchString(cpu) {
		return 0, fmt.Errorf("invalid format (expected: 100m or 1)")
	}

	if strings.HasSuffix(cpu, "m") {
		val := strings.TrimSuffix(cpu, "m")
		return strconv.ParseInt(val, 10, 64)
	}

	val, err := strconv.ParseInt(cpu, 10, 64)
	if err != nil {
		return 0, err
	}

	return val * 1000, nil
}

// parseMemory parses memory resource string to bytes
func parseMemory(memory string) (int64, error) {
	if !memoryRegex.MatchString(memory) {
		return 0, fmt.Errorf("invalid format (expected: 512Mi, 1Gi, etc)")
	}

	matches := memoryRegex.FindStringSubmatch(memory)
	if len(matches) < 2 {
		return 0, fmt.Errorf("failed to parse memory")
	}

	val, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, err
	}

	unit := ""
	if len(matches) > 2 {
		unit = matches[2]
	}

	multiplier := int64(1)
	switch unit {
	case "Ki", "K":
		multiplier = 1024
	case "Mi", "M":
		multiplier = 1024 * 1024
	case "Gi", "G":
		multiplier = 1024 * 1024 * 1024
	}

	return val * multiplier, nil
}
