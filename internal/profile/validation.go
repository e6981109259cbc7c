package profile

import (
	"strings"

	"offgrid/internal/utils"
)

const (
	minAge = 18
	maxAge = 100
)

// ValidationErrors lists structural problems. Callers gate broadcasting on
// it; the replica itself accepts any state.
func (p Profile) ValidationErrors() []string {
	var errs []string
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, "id is required")
	}
	if !utils.HasDIDPrefix(p.DID) {
		errs = append(errs, "did must look like did:<method>:<id>")
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, "name is required")
	}
	if p.Age < minAge || p.Age > maxAge {
		errs = append(errs, "age must be between 18 and 100")
	}
	return errs
}

func (p Profile) IsValid() bool { return len(p.ValidationErrors()) == 0 }

// Validate wraps ValidationErrors as a validation error.
func (p Profile) Validate() error {
	errs := p.ValidationErrors()
	if len(errs) == 0 {
		return nil
	}
	return utils.ValidationError("invalid profile").WithDetails(strings.Join(errs, "; "))
}
