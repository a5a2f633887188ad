package solana

import (
	"github.com/ClipFinance/tx-pipeline/common/types"
	sol "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/pkg/errors"
)

// FeeParams are the compute-budget settings of a fee preset.
type FeeParams struct {
	// ComputeUnitLimit caps the compute units the transaction may consume.
	ComputeUnitLimit uint32
	// ComputeUnitPrice is the priority fee in micro-lamports per compute unit.
	ComputeUnitPrice uint64
}

var feePresets = map[types.FeePreset]FeeParams{
	types.FeeSlow:   {ComputeUnitLimit: 200_000, ComputeUnitPrice: 1_000},
	types.FeeNormal: {ComputeUnitLimit: 200_000, ComputeUnitPrice: 50_000},
	types.FeeFast:   {ComputeUnitLimit: 200_000, ComputeUnitPrice: 500_000},
}

// FeeParamsFor returns the compute-budget settings of preset. Unknown presets get NORMAL settings.
func FeeParamsFor(preset types.FeePreset) FeeParams {
	if params, ok := feePresets[preset]; ok {
		return params
	}
	return feePresets[types.FeeNormal]
}

// computeBudgetInstructions returns the SetComputeUnitLimit and SetComputeUnitPrice instructions for preset.
func computeBudgetInstructions(preset types.FeePreset) ([]sol.Instruction, error) {
	params := FeeParamsFor(preset)

	setComputeUnitLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(params.ComputeUnitLimit).ValidateAndBuild()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create compute unit limit instruction")
	}

	setPriorityFeeIx, err := computebudget.NewSetComputeUnitPriceInstruction(params.ComputeUnitPrice).ValidateAndBuild()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create priority fee instruction")
	}

	return []sol.Instruction{setComputeUnitLimitIx, setPriorityFeeIx}, nil
}
