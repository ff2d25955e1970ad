package validation

import "github.com/JonMunkholm/taxintake/internal/parse"

// CatalogueRules returns the business rules for the templates shipped in
// configs/templates.yaml. Templates without an entry only get field
// validation.
func CatalogueRules() *RuleSet {
	rs := NewRuleSet()

	rs.Add("income_statement",
		NonNegative("gross_amount"),
		NonNegative("withheld_amount"),
		NotGreaterThan("withheld_amount", "gross_amount"),
		WithinPeriod("payment_date"),
	)

	rs.Add("withholding_detail",
		WithinPeriod("event_date"),
		DistinctValues("beneficiary_id"),
	)

	rs.Add("withholding_summary",
		RequireFields(parse.TypeNumber, "total_amount", "events"),
		NonNegative("total_amount"),
		NonNegative("events"),
	)

	return rs
}
