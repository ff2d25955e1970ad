package validation

// alert.go defines the alert keys raised during intake and ETL, and the
// message catalog that turns them into text for operators.
//
// An alert is a key plus positional parameters. The key is what gets stored
// and compared; text is only produced at display time, so a rejected upload
// surfaces exactly the alerts it accumulated.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Alert keys.
const (
	AlertMissingField        = "missingField"        // field name[, line]
	AlertInvalidField        = "invalidField"        // field name, value[, line]
	AlertInvalidEnum         = "invalidEnum"         // field name, value, allowed values
	AlertMissingColumn       = "missingColumn"       // column name
	AlertUnknownColumn       = "unknownColumn"       // column name
	AlertEmptyFile           = "emptyFile"           // no params
	AlertInvalidFile         = "invalidFile"         // reason
	AlertNoHeader            = "noHeader"            // rows searched
	AlertIngestFailed        = "ingestFailed"        // reason
	AlertRuleViolation       = "ruleViolation"       // rule, field, line
	AlertOutOfPeriod         = "outOfPeriod"         // field, value, line
	AlertRectificationDenied = "rectificationDenied" // later period
	AlertDuplicateContent    = "duplicateContent"    // replaced document id
	AlertCorrelationPending  = "correlationPending"  // required template
	AlertETLRowFailed        = "etlRowFailed"        // row, reason
	AlertETLFailed           = "etlFailed"           // reason
)

// Alert is a message key plus parameters.
type Alert struct {
	Key    string   `json:"key"`
	Params []string `json:"params,omitempty"`
}

// NewAlert creates an alert.
func NewAlert(key string, params ...string) Alert {
	return Alert{Key: key, Params: append([]string(nil), params...)}
}

// String renders the alert for logs: key(param, param).
func (a Alert) String() string {
	if len(a.Params) == 0 {
		return a.Key
	}
	return a.Key + "(" + strings.Join(a.Params, ", ") + ")"
}

// CatalogEntry is the operator-facing form of an alert key.
type CatalogEntry struct {
	Code     string // Code for support reference
	Template string // Text with {0}, {1}... placeholders
}

// Catalog maps alert keys to messages.
//
//	VAL001-VAL099  field and row validation
//	FILE001-099    file structure
//	UNQ001-099     uniqueness and rectification
//	ETL001-099     publication
var Catalog = map[string]CatalogEntry{
	AlertMissingField:        {Code: "VAL001", Template: "Required field {0} is empty or missing"},
	AlertInvalidField:        {Code: "VAL002", Template: "Field {0} has an invalid value {1}"},
	AlertInvalidEnum:         {Code: "VAL003", Template: "Field {0} has value {1}; allowed values are {2}"},
	AlertRuleViolation:       {Code: "VAL004", Template: "Rule {0} failed for field {1}"},
	AlertOutOfPeriod:         {Code: "VAL005", Template: "Field {0} value {1} is outside the filing period"},
	AlertMissingColumn:       {Code: "FILE001", Template: "Required column {0} is missing from the file"},
	AlertUnknownColumn:       {Code: "FILE002", Template: "Column {0} is not part of the template and was ignored"},
	AlertEmptyFile:           {Code: "FILE003", Template: "The uploaded file has no data rows"},
	AlertInvalidFile:         {Code: "FILE004", Template: "The uploaded file could not be read: {0}"},
	AlertNoHeader:            {Code: "FILE005", Template: "No header row found in the first {0} rows"},
	AlertIngestFailed:        {Code: "FILE006", Template: "The upload could not be completed and must be sent again: {0}"},
	AlertRectificationDenied: {Code: "UNQ001", Template: "Rectification is not allowed: period {0} has already been processed"},
	AlertDuplicateContent:    {Code: "UNQ002", Template: "The file content is identical to document {0}"},
	AlertCorrelationPending:  {Code: "ETL001", Template: "Waiting for a validated {0} upload for the same period"},
	AlertETLRowFailed:        {Code: "ETL002", Template: "Row {0} could not be published: {1}"},
	AlertETLFailed:           {Code: "ETL003", Template: "Publication failed: {0}"},
}

// placeholderRegex matches placeholders left without a parameter.
var placeholderRegex = regexp.MustCompile(`\{\d+\}`)

// Message resolves an alert to text. Unknown keys render as the key itself
// with its parameters.
func Message(a Alert) string {
	entry, ok := Catalog[a.Key]
	if !ok {
		return a.String()
	}

	text := entry.Template
	for i, p := range a.Params {
		text = strings.ReplaceAll(text, "{"+strconv.Itoa(i)+"}", strconv.Quote(p))
	}
	text = placeholderRegex.ReplaceAllString(text, "?")
	return fmt.Sprintf("%s (Code: %s)", text, entry.Code)
}

// FormatValue renders a parsed value as text: dates as YYYY-MM-DD, decimals
// without exponent, everything else with fmt.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	case time.Time:
		return x.Format("2006-01-02")
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
