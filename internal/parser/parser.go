// Package parser parses tabular feed bytes into a slice of ParsedProduct
// (spec §4.4). Parsing tolerates inconsistent column counts, relaxed
// quoting and CRLF/LF mixing. Because quoting is lazy, an unclosed quote
// does not fail the parse: the reader takes the rest of the input into
// that field.
package parser

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	log "github.com/xlab/suplog"
)

// ParsedProduct is one successfully validated row.
type ParsedProduct struct {
	RowNumber     int
	Name          string
	URL           string
	Price         float64
	OriginalPrice float64
	Currency      string
	InStock       bool
	Brand         string
	Category      string
	Caliber       string
	GrainWeight   *int
	RoundCount    *int
	ImageURL      string
	Description   string
	NetworkItemID string
	SKU           string
	UPC           string
}

// ParseError is a per-row diagnostic.
type ParseError struct {
	RowNumber int
	Code      string
	Message   string
}

// Result is the outcome of parsing one feed file.
type Result struct {
	Products   []ParsedProduct
	RowsRead   int
	RowsParsed int
	Errors     []ParseError
}

const (
	codeMissingRequiredField = "MISSING_REQUIRED_FIELD"
	codeInvalidPrice         = "INVALID_PRICE"
	codeInvalidURL           = "INVALID_URL"
	codeTooManyRows          = "TOO_MANY_ROWS"
	codeMalformedFile        = "MALFORMED_FILE"
)

// aliases maps a canonical logical field name to every header spelling
// this parser accepts, matched case-insensitively (§4.4).
var aliases = map[string][]string{
	"name":            {"name", "title", "productname", "product_name"},
	"url":             {"url", "link", "producturl", "product_url"},
	"price":           {"price", "saleprice", "sale_price", "currentprice"},
	"originalprice":   {"originalprice", "original_price", "listprice", "msrp", "regularprice"},
	"currency":        {"currency", "currencycode", "currency_code"},
	"instock":         {"instock", "in_stock", "availability", "stock"},
	"brand":           {"brand", "manufacturer"},
	"category":        {"category", "producttype", "product_type"},
	"caliber":         {"caliber", "cal"},
	"grainweight":     {"grainweight", "grain_weight", "grain"},
	"roundcount":      {"roundcount", "round_count", "rounds", "quantity"},
	"imageurl":        {"imageurl", "image_url", "image"},
	"description":     {"description", "desc"},
	"networkitemid":   {"networkitemid", "network_item_id", "itemid", "item_id"},
	"sku":             {"sku"},
	"upc":             {"upc", "gtin", "barcode"},
}

// truthyStock / falsyStock are the fixed alias table of §4.4; unrecognized
// values default to true (in stock).
var truthyStock = map[string]bool{
	"true": true, "yes": true, "y": true, "1": true, "in stock": true,
	"instock": true, "available": true,
}
var falsyStock = map[string]bool{
	"false": true, "no": true, "n": true, "0": true, "out of stock": true,
	"outofstock": true, "unavailable": true, "sold out": true,
}

// Parse reads a tabular feed of up to maxRows rows. feedID is used only for
// log correlation.
func Parse(data []byte, maxRows int, feedID string) (Result, error) {
	logger := log.WithFields(log.Fields{"svc": "parser", "feed_id": feedID})

	data = stripBOM(data)

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1 // tolerate inconsistent column counts
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, csvFatalError(err)
	}

	colIndex := indexHeader(header)

	var result Result
	rowNumber := 1 // header is row 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isFatalCSVError(err) {
				return Result{}, csvFatalError(err)
			}
			// malformed row that the reader could still resynchronize
			// past: count it, keep going.
			rowNumber++
			result.RowsRead++
			result.Errors = append(result.Errors, ParseError{
				RowNumber: rowNumber, Code: codeMalformedFile, Message: err.Error(),
			})
			continue
		}

		rowNumber++
		result.RowsRead++

		if result.RowsRead > maxRows {
			result.Errors = append(result.Errors, ParseError{
				RowNumber: rowNumber, Code: codeTooManyRows,
				Message: fmt.Sprintf("row count exceeds limit of %d, truncating", maxRows),
			})
			break
		}

		product, rowErrs := parseRow(rowNumber, record, colIndex)
		result.Errors = append(result.Errors, rowErrs...)
		if product != nil {
			result.Products = append(result.Products, *product)
			result.RowsParsed++
		}
	}

	if len(result.Errors) > 0 {
		logger.WithField("errors", len(result.Errors)).Debugln("parser finished with row-level errors")
	}

	return result, nil
}

func stripBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
}

func indexHeader(header []string) map[string]int {
	normalized := make(map[string]int, len(header))
	for i, h := range header {
		normalized[normalizeHeaderKey(h)] = i
	}

	colIndex := make(map[string]int)
	for field, candidates := range aliases {
		for _, c := range candidates {
			if i, ok := normalized[normalizeHeaderKey(c)]; ok {
				colIndex[field] = i
				break
			}
		}
	}
	return colIndex
}

func normalizeHeaderKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func field(record []string, colIndex map[string]int, name string) string {
	i, ok := colIndex[name]
	if !ok || i >= len(record) {
		return ""
	}
	return collapseWhitespace(strings.TrimSpace(record[i]))
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parseRow(rowNumber int, record []string, colIndex map[string]int) (*ParsedProduct, []ParseError) {
	var errs []ParseError

	name := field(record, colIndex, "name")
	rawURL := field(record, colIndex, "url")
	rawPrice := field(record, colIndex, "price")

	if name == "" {
		errs = append(errs, ParseError{RowNumber: rowNumber, Code: codeMissingRequiredField, Message: "missing name"})
	}
	if rawURL == "" {
		errs = append(errs, ParseError{RowNumber: rowNumber, Code: codeMissingRequiredField, Message: "missing url"})
	}
	if rawPrice == "" {
		errs = append(errs, ParseError{RowNumber: rowNumber, Code: codeMissingRequiredField, Message: "missing price"})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	normalizedURL, ok := normalizeURL(rawURL)
	if !ok {
		errs = append(errs, ParseError{RowNumber: rowNumber, Code: codeInvalidURL, Message: "invalid or disallowed url: " + rawURL})
		return nil, errs
	}

	price, ok := normalizePrice(rawPrice)
	if !ok || price <= 0 {
		errs = append(errs, ParseError{RowNumber: rowNumber, Code: codeInvalidPrice, Message: "invalid or non-positive price: " + rawPrice})
		return nil, errs
	}

	originalPrice, _ := normalizePrice(field(record, colIndex, "originalprice"))

	product := &ParsedProduct{
		RowNumber:     rowNumber,
		Name:          name,
		URL:           normalizedURL,
		Price:         price,
		OriginalPrice: originalPrice,
		Currency:      strings.ToUpper(field(record, colIndex, "currency")),
		InStock:       normalizeStock(field(record, colIndex, "instock")),
		Brand:         field(record, colIndex, "brand"),
		Category:      field(record, colIndex, "category"),
		Caliber:       field(record, colIndex, "caliber"),
		GrainWeight:   normalizeIntPtr(field(record, colIndex, "grainweight")),
		RoundCount:    normalizeIntPtr(field(record, colIndex, "roundcount")),
		ImageURL:      field(record, colIndex, "imageurl"),
		Description:   field(record, colIndex, "description"),
		NetworkItemID: field(record, colIndex, "networkitemid"),
		SKU:           strings.ToUpper(field(record, colIndex, "sku")),
		UPC:           normalizeUPC(field(record, colIndex, "upc")),
	}

	return product, nil
}

// normalizeURL forces an https:// scheme when missing, then validates the
// hostname has a dot and rejects localhost/empty/loopback (§4.4).
func normalizeURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	lower := strings.ToLower(raw)
	host := lower
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.Index(host, "@"); idx >= 0 {
		host = host[idx+1:]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}

	if host == "" || host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return "", false
	}
	if !strings.Contains(host, ".") {
		return "", false
	}

	return raw, true
}

// normalizePrice strips currency symbols and extraneous non-numeric
// characters, then rounds to 2 decimals, rejecting values <= 0 (§4.4).
func normalizePrice(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}

	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return 0, false
	}

	val, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}

	rounded := float64(int64(val*100+0.5)) / 100
	if rounded <= 0 {
		return 0, false
	}
	return rounded, true
}

func normalizeStock(raw string) bool {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return true
	}
	if falsyStock[lower] {
		return false
	}
	if truthyStock[lower] {
		return true
	}
	return true // default true on unrecognized (§4.4)
}

func normalizeIntPtr(raw string) *int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &v
}

// normalizeUPC keeps digits only, preserves leading zeros, rejects < 3
// digits by returning empty (§4.4).
func normalizeUPC(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < 3 {
		return ""
	}
	return digits
}

func isFatalCSVError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of file") ||
		strings.Contains(msg, "extraneous") && strings.Contains(msg, "quote")
}

func csvFatalError(err error) error {
	return fmt.Errorf("%s: %w", codeMalformedFile, err)
}
