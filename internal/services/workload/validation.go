package workload

import (
	"fmt"
	"regexp"

	"github.com/virtforge/virtforge/internal/domain"
)

// Validation constants
const (
	MaxNameLength     = 255
	MaxLabels         = 50
	MinCPUCores       = 1
	MaxCPUCores       = 256
	MinMemoryMiB      = 128
	MaxMemoryMiB      = 1048576 // 1 TiB
	MinDiskGiB        = 1
	MaxDiskGiB        = 65536 // 64 TiB
	MaxConstraintRefs = 16
)

// validNameRegex validates workload names (letter first, then alphanumeric,
// hyphens, underscores).
var validNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// validatePlaceRequest rejects malformed placement requests before any
// record is created or capacity touched. All failures wrap
// domain.ErrInvalidArgument.
func validatePlaceRequest(req PlaceRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrInvalidArgument)
	}
	if len(req.Name) > MaxNameLength {
		return fmt.Errorf("name exceeds %d characters: %w", MaxNameLength, domain.ErrInvalidArgument)
	}
	if !validNameRegex.MatchString(req.Name) {
		return fmt.Errorf("name must start with a letter and contain only alphanumerics, hyphens, and underscores: %w",
			domain.ErrInvalidArgument)
	}
	if len(req.Labels) > MaxLabels {
		return fmt.Errorf("more than %d labels: %w", MaxLabels, domain.ErrInvalidArgument)
	}

	if err := validateResources(req.Request); err != nil {
		return err
	}
	if err := validateConstraints(req.Constraints); err != nil {
		return err
	}

	if req.Strategy != "" && !req.Strategy.Valid() {
		return fmt.Errorf("unknown placement strategy %q: %w", req.Strategy, domain.ErrInvalidArgument)
	}
	return nil
}

func validateResources(r domain.Resources) error {
	if r.CPUCores < MinCPUCores || r.CPUCores > MaxCPUCores {
		return fmt.Errorf("cpu_cores must be between %d and %d: %w", MinCPUCores, MaxCPUCores, domain.ErrInvalidArgument)
	}
	if r.MemoryMiB < MinMemoryMiB || r.MemoryMiB > MaxMemoryMiB {
		return fmt.Errorf("memory_mib must be between %d and %d: %w", MinMemoryMiB, MaxMemoryMiB, domain.ErrInvalidArgument)
	}
	if r.DiskGiB < MinDiskGiB || r.DiskGiB > MaxDiskGiB {
		return fmt.Errorf("disk_gib must be between %d and %d: %w", MinDiskGiB, MaxDiskGiB, domain.ErrInvalidArgument)
	}
	return nil
}

func validateConstraints(c domain.PlacementConstraints) error {
	if len(c.PreferredNodes) > MaxConstraintRefs {
		return fmt.Errorf("more than %d preferred nodes: %w", MaxConstraintRefs, domain.ErrInvalidArgument)
	}
	if len(c.ExcludedNodes) > MaxConstraintRefs {
		return fmt.Errorf("more than %d excluded nodes: %w", MaxConstraintRefs, domain.ErrInvalidArgument)
	}
	if c.CoLocateWith != "" && c.CoLocateWith == c.SeparateFrom {
		return fmt.Errorf("co_locate_with and separate_from reference the same workload %s: %w",
			c.CoLocateWith, domain.ErrInvalidArgument)
	}
	return nil
}
