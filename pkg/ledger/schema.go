package ledger

import "fmt"

// Key columns and fixed columns.
const (
	ColInstance  = "instance"
	ColReplicate = "replicate"
	ColStarted   = "started"

	ColMinESSMean      = "minESS.mean"
	ColMinESSSD        = "minESS.sd"
	ColMinESSCV        = "minESS.cv"
	ColNStates         = "nstates"
	ColRuntimeRaw      = "runtime.raw"
	ColRuntimeSmoothed = "runtime.smoothed"

	// NA marks a missing value.
	NA = "NA"
)

// Key identifies one ledger row.
type Key struct {
	Instance  string
	Replicate string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Instance, k.Replicate)
}

// Validate reports whether both key parts are set.
func (k Key) Validate() error {
	if k.Instance == "" {
		return fmt.Errorf("ledger key: instance is required")
	}
	if k.Replicate == "" {
		return fmt.Errorf("ledger key: replicate is required")
	}
	return nil
}

// WeightColumn returns the weight column name for a group.
func WeightColumn(group string) string { return group + ".weight" }

// ESSColumn returns the ESS column name for a group.
func ESSColumn(group string) string { return group + ".ess" }

// DimColumn returns the dimension column name for a group.
func DimColumn(group string) string { return group + ".dim" }

// Schema returns the canonical header for the given ordered group IDs.
func Schema(groups []string) []string {
	header := []string{ColInstance, ColReplicate, ColStarted}
	for _, g := range groups {
		header = append(header, WeightColumn(g), ESSColumn(g), DimColumn(g))
	}
	return append(header,
		ColMinESSMean, ColMinESSSD, ColMinESSCV,
		ColNStates, ColRuntimeRaw, ColRuntimeSmoothed,
	)
}
