package kit

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError describes one problem with a kit.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("kit: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects all problems found in a kit.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the structural rules of a kit. Drums with zero lugs are
// reported here as well as refused by the target model.
func (k *Kit) Validate() error {
	var errs ValidationErrors

	if len(k.Drums) == 0 {
		errs = append(errs, ValidationError{"drums", "kit has no drums"})
	}

	seen := make(map[string]bool, len(k.Drums))
	for i, d := range k.Drums {
		field := fmt.Sprintf("drums[%d]", i)
		if d.ID == "" {
			errs = append(errs, ValidationError{field + ".id", "must not be empty"})
		} else if seen[d.ID] {
			errs = append(errs, ValidationError{field + ".id", fmt.Sprintf("duplicate id %q", d.ID)})
		}
		seen[d.ID] = true

		if _, err := ParseDrumType(string(d.Type)); err != nil {
			errs = append(errs, ValidationError{field + ".type", fmt.Sprintf("unknown type %q", d.Type)})
		}
		if !(d.DiameterInches > 0) || math.IsInf(d.DiameterInches, 0) {
			errs = append(errs, ValidationError{field + ".size_in", "must be positive"})
		}
		if d.LugCount < 1 {
			errs = append(errs, ValidationError{field + ".lugs", "must be at least 1"})
		}
		if d.Target.BatterHz < 0 || math.IsNaN(d.Target.BatterHz) || math.IsInf(d.Target.BatterHz, 0) {
			errs = append(errs, ValidationError{field + ".target.batter_hz", "must be a finite non-negative frequency"})
		}
		if d.Target.ResoRatio < 0 || math.IsNaN(d.Target.ResoRatio) || math.IsInf(d.Target.ResoRatio, 0) {
			errs = append(errs, ValidationError{field + ".target.reso_ratio", "must be a finite non-negative ratio"})
		}
	}

	if k.ActiveDrumID != "" && !seen[k.ActiveDrumID] {
		errs = append(errs, ValidationError{"active_drum", fmt.Sprintf("unknown drum %q", k.ActiveDrumID)})
	}
	if k.ActiveHead != "" && !k.ActiveHead.Valid() {
		errs = append(errs, ValidationError{"active_head", fmt.Sprintf("unknown head %q", k.ActiveHead)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
