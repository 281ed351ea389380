package models

import "fmt"

// PlannerType selects between the two planner contract variants
type PlannerType struct {
	name         string
	targetSymbol string
	decimals     uint8
}

var (
	// PlannerETH buys WETH
	PlannerETH = PlannerType{name: "eth", targetSymbol: "WETH", decimals: 18}
	// PlannerERC20 buys cbBTC
	PlannerERC20 = PlannerType{name: "erc20", targetSymbol: "CBBTC", decimals: 8}
)

// PlannerTypes lists every planner variant
var PlannerTypes = []PlannerType{PlannerETH, PlannerERC20}

func (p PlannerType) String() string { return p.name }

// TargetSymbol is the symbol of the asset the planner buys
func (p PlannerType) TargetSymbol() string { return p.targetSymbol }

// TargetDecimals is the decimal convention of the target asset
func (p PlannerType) TargetDecimals() uint8 { return p.decimals }

// ParsePlannerType converts "eth" or "erc20" into a PlannerType
func ParsePlannerType(s string) (PlannerType, error) {
	for _, p := range PlannerTypes {
		if p.name == s {
			return p, nil
		}
	}
	return PlannerType{}, fmt.Errorf("unknown planner type: %s", s)
}
