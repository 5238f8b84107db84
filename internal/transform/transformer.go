// Package transform turns uploaded transaction rows into conversion events
// and streams them in batches.
package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ignite/capi-uploader/internal/capi"
	"github.com/ignite/capi-uploader/internal/normalize"
)

// Rejection reasons written to the error report.
const (
	ReasonNoIdentity  = "no valid email or phone"
	ReasonInvalidDate = "invalid date"
	ReasonMalformed   = "malformed CSV row"
)

const (
	DefaultEventName = "Purchase"
	Currency         = "USD"
	ContentType      = "product"
)

// ErrBlankRow is returned for a row whose values are all empty. Blank rows
// are skipped without being counted.
var ErrBlankRow = errors.New("blank row")

// RowError rejects a single row.
type RowError struct {
	Reason string
}

func (e *RowError) Error() string { return "row rejected: " + e.Reason }

// ColumnMap names the input columns each event field is read from.
type ColumnMap struct {
	Email    string `yaml:"email"`
	Phone    string `yaml:"phone"`
	Invoice  string `yaml:"invoice"`
	Category string `yaml:"category"`
	SKU      string `yaml:"sku"`
	Value    string `yaml:"value"`
	Date     string `yaml:"date"`
}

// DefaultColumns returns the retail export headers.
func DefaultColumns() ColumnMap {
	return ColumnMap{
		Email:    "CORREO",
		Phone:    "CELULAR",
		Invoice:  "FACTURA",
		Category: "NOMBRE_CATEGORIA",
		SKU:      "COD_ITEM",
		Value:    "VENTA_NETA",
		Date:     "FECHA",
	}
}

// Required lists every mapped column in file-export order.
func (m ColumnMap) Required() []string {
	return []string{m.Email, m.Phone, m.Invoice, m.Category, m.SKU, m.Value, m.Date}
}

// withDefaults fills unset names from DefaultColumns.
func (m ColumnMap) withDefaults() ColumnMap {
	d := DefaultColumns()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&m.Email, d.Email)
	fill(&m.Phone, d.Phone)
	fill(&m.Invoice, d.Invoice)
	fill(&m.Category, d.Category)
	fill(&m.SKU, d.SKU)
	fill(&m.Value, d.Value)
	fill(&m.Date, d.Date)
	return m
}

// Config holds the per-job transformation settings.
type Config struct {
	JobID         string
	DatasetID     string
	EventName     string
	UploadTag     string
	Timezone      string
	DefaultRegion string
	Columns       ColumnMap
}

// Transformer converts RawRows into events. It is stateless and safe for
// concurrent use.
type Transformer struct {
	cfg Config
}

// NewTransformer applies defaults for an unset event name and column map.
func NewTransformer(cfg Config) *Transformer {
	if cfg.EventName == "" {
		cfg.EventName = DefaultEventName
	}
	cfg.Columns = cfg.Columns.withDefaults()
	return &Transformer{cfg: cfg}
}

// Config returns the effective configuration.
func (t *Transformer) Config() Config { return t.cfg }

// Transform builds the event for row. It returns ErrBlankRow for a blank
// row and a *RowError when the row cannot become an event. Identity is
// checked before the date.
func (t *Transformer) Transform(row RawRow) (capi.Event, error) {
	if row.Blank() {
		return capi.Event{}, ErrBlankRow
	}
	cols := t.cfg.Columns

	email, hasEmail := normalize.HashEmail(row.Get(cols.Email))
	phone, hasPhone := normalize.HashPhone(row.Get(cols.Phone), t.cfg.DefaultRegion)
	if !hasEmail && !hasPhone {
		return capi.Event{}, &RowError{Reason: ReasonNoIdentity}
	}

	eventTime, ok := normalize.ParseDate(row.Get(cols.Date), t.cfg.Timezone)
	if !ok {
		return capi.Event{}, &RowError{Reason: ReasonInvalidDate}
	}

	invoice := optional(row.Get(cols.Invoice))
	contentIDs := []string{}
	if sku := row.Get(cols.SKU); sku != "" {
		contentIDs = append(contentIDs, sku)
	}

	return capi.Event{
		EventName: t.cfg.EventName,
		EventTime: eventTime,
		UserData:  capi.UserData{Email: email, Phone: phone},
		CustomData: capi.CustomData{
			Value:           parseValue(row.Get(cols.Value)),
			Currency:        Currency,
			OrderID:         invoice,
			ContentIDs:      contentIDs,
			ContentType:     ContentType,
			ContentCategory: optional(row.Get(cols.Category)),
		},
		ActionSource: capi.ActionSource,
		EventID:      invoice,
	}, nil
}

// parseValue reads a decimal amount. Anything unreadable, including NaN and
// infinities, is 0.
func parseValue(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MissingColumnsError reports required columns absent from the header.
type MissingColumnsError struct {
	Columns []string
}

// ErrMissingColumns is matched by every *MissingColumnsError.
var ErrMissingColumns = errors.New("missing columns")

func (e *MissingColumnsError) Error() string {
	return fmt.Sprintf("missing columns: %s", strings.Join(e.Columns, ", "))
}

func (e *MissingColumnsError) Unwrap() error { return ErrMissingColumns }
