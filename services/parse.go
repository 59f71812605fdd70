package services

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	// numberRegexp captures the first number, separators included
	numberRegexp = regexp.MustCompile(`\d[\d.,]*`)
	// trailingIDRegexp captures a numeric id at the end of a listing URL path
	trailingIDRegexp = regexp.MustCompile(`(\d{4,})/?(?:[?#].*)?$`)
)

// parseNumber turns a raw field into a float. Numbers pass through; strings
// may carry currency, units and either European ("185.000,50") or English
// ("185,000.50") separators. Anything unparseable is 0.
func parseNumber(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		return parseNumericText(n)
	default:
		return 0
	}
}

func parseNumericText(raw string) float64 {
	match := numberRegexp.FindString(raw)
	if match == "" {
		return 0
	}
	match = strings.TrimRight(match, ".,")

	dots := strings.Count(match, ".")
	commas := strings.Count(match, ",")

	switch {
	case dots > 0 && commas > 0:
		// whichever separator comes last is the decimal one
		if strings.LastIndex(match, ",") > strings.LastIndex(match, ".") {
			match = strings.ReplaceAll(match, ".", "")
			match = strings.Replace(match, ",", ".", 1)
		} else {
			match = strings.ReplaceAll(match, ",", "")
		}
	case commas > 0:
		if commas == 1 && len(match)-strings.Index(match, ",")-1 != 3 {
			match = strings.Replace(match, ",", ".", 1)
		} else {
			match = strings.ReplaceAll(match, ",", "")
		}
	case dots > 1:
		match = strings.ReplaceAll(match, ".", "")
	case dots == 1:
		if len(match)-strings.Index(match, ".")-1 == 3 {
			match = strings.ReplaceAll(match, ".", "")
		}
	}

	f, err := strconv.ParseFloat(match, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}

// stringField reads a field as trimmed text. Numbers are formatted without
// exponent so numeric ids survive.
func stringField(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case bool:
		return strconv.FormatBool(s)
	case map[string]any, []any:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// firstString returns the first non-empty field among keys.
func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(fields[k]); s != "" {
			return s
		}
	}
	return ""
}

func objectField(fields map[string]any, key string) map[string]any {
	if m, ok := fields[key].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}

func idFromURL(u string) string {
	m := trailingIDRegexp.FindStringSubmatch(u)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

var propertyTypeKeywords = []struct {
	canonical string
	words     []string
}{
	{"apartment", []string{"apartment", "flat", "studio", "maisonette", "penthouse", "διαμέρισμα", "γκαρσονιέρα", "μεζονέτα", "ρετιρέ"}},
	{"house", []string{"house", "villa", "detached", "μονοκατοικία", "βίλα", "κατοικία"}},
	{"land", []string{"land", "plot", "parcel", "οικόπεδο", "αγροτεμάχιο"}},
	{"commercial", []string{"commercial", "office", "store", "shop", "warehouse", "κατάστημα", "γραφείο", "αποθήκη", "επαγγελματικό"}},
}

// canonicalPropertyType maps platform vocabulary onto apartment, house,
// land, commercial or other. Empty input stays empty.
func canonicalPropertyType(raw string) string {
	s := strings.ToLower(normaliseText(raw))
	if s == "" {
		return ""
	}
	for _, kw := range propertyTypeKeywords {
		for _, w := range kw.words {
			if strings.Contains(s, w) {
				return kw.canonical
			}
		}
	}
	return "other"
}

// canonicalTransactionType maps to sale or rent; unknown is empty.
func canonicalTransactionType(raw string) string {
	s := strings.ToLower(normaliseText(raw))
	switch {
	case s == "":
		return ""
	case strings.Contains(s, "rent"), strings.Contains(s, "lease"),
		strings.Contains(s, "ενοικ"), strings.Contains(s, "enoikiaseis"):
		return "rent"
	case strings.Contains(s, "sale"), strings.Contains(s, "sell"), strings.Contains(s, "buy"),
		strings.Contains(s, "πώληση"), strings.Contains(s, "πωληση"), strings.Contains(s, "poliseis"):
		return "sale"
	default:
		return ""
	}
}
