package document

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Situation is the lifecycle state of an uploaded document.
type Situation int

const (
	Received  Situation = iota + 1 // parsed and stored, not yet validated
	Accepted                       // passed format checks
	Valid                          // passed business validation, ETL pending
	Pending                        // valid but waiting on a correlated upload
	Processed                      // ETL completed
	Invalid                        // failed validation, must be replaced
	Replaced                       // superseded by a rectifying upload
)

var situationNames = map[Situation]string{
	Received:  "RECEIVED",
	Accepted:  "ACCEPTED",
	Valid:     "VALID",
	Pending:   "PENDING",
	Processed: "PROCESSED",
	Invalid:   "INVALID",
	Replaced:  "REPLACED",
}

// Situations lists every situation in lifecycle order.
func Situations() []Situation {
	return []Situation{Received, Accepted, Valid, Pending, Processed, Invalid, Replaced}
}

func (s Situation) String() string {
	if name, ok := situationNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Situation(%d)", int(s))
}

// ParseSituation converts a stored name back to a Situation.
func ParseSituation(name string) (Situation, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range situationNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown situation %q", name)
}

// Terminal reports whether no further transition is allowed, apart from the
// replacement of a processed document by a rectification.
func (s Situation) Terminal() bool {
	return s == Processed || s == Invalid || s == Replaced
}

// Accepting reports whether ETL may pick the document up.
func (s Situation) Accepting() bool {
	return s == Valid || s == Pending
}

// MarshalJSON encodes the situation by name.
func (s Situation) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a situation name.
func (s *Situation) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	v, err := ParseSituation(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
