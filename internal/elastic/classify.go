package elastic

import (
	"errors"
	"strings"

	"github.com/JonMunkholm/taxintake/internal/scan"
)

// The error texts below were observed on Elasticsearch 7.x and 8.x. They are
// not a stable contract; anything unmatched classifies as KindOther.
var classifications = []struct {
	pattern string
	kind    scan.Kind
}{
	{"result window is too large", scan.KindWindowTooLarge},
	{"index_not_found_exception", scan.KindNoIndex},
	{"no such index", scan.KindNoIndex},
	{"no mapping found for", scan.KindNoMapping},
	{"search_context_missing_exception", scan.KindCursorExpired},
	{"no search context found", scan.KindCursorExpired},
	{"search_phase_execution_exception", scan.KindAmbiguous},
	{"all shards failed", scan.KindAmbiguous},
}

// Classifier maps Elasticsearch errors to scan kinds by their type and reason
// text. It also recognises the scan package sentinels.
var Classifier scan.Classifier = scan.ClassifierFunc(classify)

func classify(err error) scan.Kind {
	if err == nil {
		return scan.KindOther
	}
	if k := scan.SentinelClassifier.Classify(err); k != scan.KindOther {
		return k
	}

	text := strings.ToLower(err.Error())
	var re *ResponseError
	if errors.As(err, &re) {
		text = strings.ToLower(re.Type + " " + re.Reason + " " + re.Body)
	}

	for _, c := range classifications {
		if strings.Contains(text, c.pattern) {
			return c.kind
		}
	}
	return scan.KindOther
}
