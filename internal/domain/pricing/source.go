package pricing

import "context"

// RuleSource supplies the catalog data the engine evaluates.
type RuleSource interface {
	RulesFor(ctx context.Context, variantID, categoryID string) ([]Rule, error)
	MAPRulesFor(ctx context.Context, variantID string) ([]MAPRule, error)
	ContractsFor(ctx context.Context, accountID string) ([]Contract, error)
}
