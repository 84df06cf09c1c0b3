package worktree

import "fmt"

// Ports derives the SSH and application port pair assigned to a Worktree
// from its worktree_unique_id. Derivation is a pure function of
// (rangeStart, rangeEnd, uniqueID): two distinct unique IDs always map to two
// distinct port pairs within [rangeStart, rangeEnd), and the same unique ID
// always maps to the same ports. The range is split in half, SSH ports in
// the lower half and app ports in the upper half, so no SSH port ever equals
// an app port; a unique ID larger than the half size is an error.
type Ports struct {
	SSH int
	App int
}

// DerivePorts computes a Worktree's deterministic port pair. uniqueID must
// be >= 1 and at most (rangeEnd-rangeStart)/2. rangeStart/rangeEnd come from
// WorktreeConfig.PortRangeStart/End.
func DerivePorts(rangeStart, rangeEnd, uniqueID int) (Ports, error) {
	if uniqueID < 1 {
		return Ports{}, fmt.Errorf("worktree: unique ID must be >= 1, got %d", uniqueID)
	}
	span := rangeEnd - rangeStart
	if span < 4 {
		return Ports{}, fmt.Errorf("worktree: port range [%d,%d) too narrow for deterministic allocation", rangeStart, rangeEnd)
	}
	half := span / 2
	sshBase := rangeStart
	appBase := rangeStart + half

	sshSlots := half
	if uniqueID > sshSlots {
		return Ports{}, fmt.Errorf("worktree: unique ID %d exceeds the %d port slots of range [%d,%d)", uniqueID, sshSlots, rangeStart, rangeEnd)
	}

	ssh := sshBase + uniqueID - 1
	app := appBase + uniqueID - 1
	return Ports{SSH: ssh, App: app}, nil
}
