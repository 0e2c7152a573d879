package models

// ComponentType identifies the kind of deployable configuration an item targets.
type ComponentType string

const (
	ComponentDatablock ComponentType = "datablock"
	ComponentPipeline  ComponentType = "pipeline"
	ComponentFeature   ComponentType = "feature"
)

// Valid reports whether t is a known component type.
func (t ComponentType) Valid() bool {
	switch t {
	case ComponentDatablock, ComponentPipeline, ComponentFeature:
		return true
	}
	return false
}

type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

func (c ChangeType) Valid() bool {
	switch c {
	case ChangeCreate, ChangeUpdate, ChangeDelete:
		return true
	}
	return false
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemDeploying ItemStatus = "deploying"
	ItemDeployed  ItemStatus = "deployed"
	ItemFailed    ItemStatus = "failed"
	ItemConflict  ItemStatus = "conflict"
)

type BucketStatus string

const (
	BucketActive    BucketStatus = "active"
	BucketDeploying BucketStatus = "deploying"
	BucketDeployed  BucketStatus = "deployed"
	BucketDiscarded BucketStatus = "discarded"
	BucketConflict  BucketStatus = "conflict"
)

func (s BucketStatus) Valid() bool {
	switch s {
	case BucketActive, BucketDeploying, BucketDeployed, BucketDiscarded, BucketConflict:
		return true
	}
	return false
}

// DeploymentStatus classifies a finished run. RolledBack is reserved and is
// never produced by the executor.
type DeploymentStatus string

const (
	DeploymentSuccess    DeploymentStatus = "success"
	DeploymentPartial    DeploymentStatus = "partial"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentRolledBack DeploymentStatus = "rolled_back"
)

// ClassifyDeployment maps item counts onto a DeploymentStatus.
// An empty run counts as success.
func ClassifyDeployment(total, failed int) DeploymentStatus {
	switch {
	case failed == 0:
		return DeploymentSuccess
	case failed < total:
		return DeploymentPartial
	default:
		return DeploymentFailed
	}
}

type ConflictType string

const (
	// ConflictVersionMismatch: the component moved past the version the item was staged against.
	ConflictVersionMismatch ConflictType = "version_mismatch"
	// ConflictNameCollision: a create targets a name that is already taken,
	// either by a deployed component or by another user's pending create.
	ConflictNameCollision ConflictType = "name_collision"
	// ConflictInFlight: another deployment with a newer id is applying the same component.
	ConflictInFlight ConflictType = "in_flight"
)
