package transform

import "strings"

// Header is the column layout of an input file. Lookups are
// case-insensitive on the trimmed column name.
type Header struct {
	columns []string
	index   map[string]int
}

// NewHeader trims each column name and indexes it.
func NewHeader(columns []string) *Header {
	h := &Header{
		columns: make([]string, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		c = strings.TrimSpace(c)
		h.columns[i] = c
		key := strings.ToLower(c)
		if _, dup := h.index[key]; !dup {
			h.index[key] = i
		}
	}
	return h
}

// Columns returns the column names in file order.
func (h *Header) Columns() []string { return h.columns }

// Missing returns the names in required that the header lacks, in the order
// given.
func (h *Header) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := h.index[strings.ToLower(strings.TrimSpace(name))]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// RawRow is one data record with its header. Values are kept as read;
// Get trims them.
type RawRow struct {
	Header *Header
	Values []string
}

// Get returns the trimmed value of the named column, or "" when the column
// or the value is absent.
func (r RawRow) Get(name string) string {
	if r.Header == nil {
		return ""
	}
	i, ok := r.Header.index[strings.ToLower(name)]
	if !ok || i >= len(r.Values) {
		return ""
	}
	return strings.TrimSpace(r.Values[i])
}

// Columns returns the header column names, or nil without a header.
func (r RawRow) Columns() []string {
	if r.Header == nil {
		return nil
	}
	return r.Header.columns
}

// Trimmed returns the values trimmed, for the error report.
func (r RawRow) Trimmed() []string {
	out := make([]string, len(r.Values))
	for i, v := range r.Values {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

// Blank reports whether every value is empty after trimming.
func (r RawRow) Blank() bool {
	for _, v := range r.Values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
