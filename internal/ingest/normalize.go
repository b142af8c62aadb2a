package ingest

// normalize.go maps heterogeneous spreadsheet columns into the canonical
// record shape. Normalize is a pure function and never fails: absent or
// malformed optional fields default to "" or 0 so validation, not
// normalization, decides a row's fate.

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Column aliases. The first name is the declared header; the rest are the
// variants real exports show up with.
var columnAliases = map[string][]string{
	"document_type":        {"Document Type", "documenttype", "doc type"},
	"document_id":          {"Document Number", "documentnumber", "document id", "doc number"},
	"first_name":           {"First Name", "firstname"},
	"last_name":            {"Last Name", "lastname"},
	"full_name":            {"Full Name", "fullname", "name"},
	"birth_date":           {"Birth Date", "birthdate", "date of birth"},
	"nationality":          {"Nationality"},
	"pep":                  {"PEP", "is pep"},
	"operation_type":       {"Operation Type", "operationtype", "transaction type"},
	"amount":               {"Amount", "operation amount"},
	"currency":             {"Currency"},
	"operation_date":       {"Operation Date", "operationdate", "transaction date"},
	"reference":            {"Reference", "operation reference"},
	"cash":                 {"Cash", "is cash"},
	"counterparty_id":      {"Counterparty Document", "counterpartydocument", "counterparty id"},
	"counterparty_name":    {"Counterparty Name", "counterpartyname"},
	"counterparty_country": {"Counterparty Country", "counterpartycountry"},
}

// Normalize converts one raw row into the canonical record.
func Normalize(row Row) Record {
	get := func(field string) string {
		return lookupCell(row.Cells, columnAliases[field])
	}

	rec := Record{
		Client: ClientFields{
			DocumentType: get("document_type"),
			DocumentID:   get("document_id"),
			FirstName:    get("first_name"),
			LastName:     get("last_name"),
			FullName:     get("full_name"),
			BirthDate:    coerceDate(get("birth_date")),
			Nationality:  strings.ToUpper(get("nationality")),
			PEP:          coerceBool(get("pep")),
		},
		Operation: OperationFields{
			Type:      get("operation_type"),
			Amount:    coerceFloat(get("amount")),
			Currency:  strings.ToUpper(get("currency")),
			Date:      coerceDate(get("operation_date")),
			Reference: get("reference"),
			Cash:      coerceBool(get("cash")),
		},
	}

	if rec.Client.FullName == "" {
		rec.Client.FullName = strings.TrimSpace(rec.Client.FirstName + " " + rec.Client.LastName)
	}

	cpID := get("counterparty_id")
	cpName := get("counterparty_name")
	cpCountry := get("counterparty_country")
	if cpID != "" || cpName != "" || cpCountry != "" {
		rec.Counterparty = &Counterparty{
			DocumentID: cpID,
			FullName:   cpName,
			Country:    strings.ToUpper(cpCountry),
		}
	}

	return rec
}

// lookupCell finds a cell by any of the column's aliases, case-insensitively
// and ignoring internal spaces, underscores and dashes.
func lookupCell(cells map[string]string, names []string) string {
	for _, name := range names {
		if v, ok := cells[name]; ok {
			return strings.TrimSpace(v)
		}
	}
	for key, v := range cells {
		folded := foldHeader(key)
		for _, name := range names {
			if folded == foldHeader(name) {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func foldHeader(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
	return s
}

// Spreadsheet serial dates count days since this epoch (the 1900 date
// system with its leap-year quirk already folded in).
var serialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var serialRegex = regexp.MustCompile(`^\d{1,6}(\.\d+)?$`)

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	time.RFC3339,
}

// coerceDate accepts ISO strings, slash-delimited dates and numeric
// spreadsheet serials, returning yyyy-mm-dd or "" when unparseable.
func coerceDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}

	if serialRegex.MatchString(s) {
		if days, err := strconv.ParseFloat(s, 64); err == nil && days > 0 {
			return serialEpoch.AddDate(0, 0, int(days)).Format("2006-01-02")
		}
	}

	return ""
}

// coerceBool maps the affirmative vocabulary to true; everything else,
// including empty, is false.
func coerceBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "si", "sí", "yes", "true", "1":
		return true
	default:
		return false
	}
}

// coerceFloat parses a number after stripping currency symbols and
// thousands separators; unparseable values become 0.
func coerceFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	if neg {
		s = "-" + s
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
