package transform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/capi-uploader/internal/capi"
	"github.com/ignite/capi-uploader/internal/normalize"
)

var retailHeader = NewHeader([]string{"CORREO", "CELULAR", "FACTURA", "NOMBRE_CATEGORIA", "COD_ITEM", "VENTA_NETA", "FECHA"})

func retailRow(values ...string) RawRow {
	return RawRow{Header: retailHeader, Values: values}
}

func newRetailTransformer() *Transformer {
	return NewTransformer(Config{
		DatasetID:     "ds",
		Timezone:      "America/Guayaquil",
		DefaultRegion: "EC",
	})
}

func TestTransform_FullRow(t *testing.T) {
	tr := newRetailTransformer()

	ev, err := tr.Transform(retailRow(" Ana@Example.com ", "0987654321", "F-100", "Vitaminas", "SKU-9", "12.50", "2025-10-01"))
	require.NoError(t, err)

	email, _ := normalize.HashEmail("ana@example.com")
	assert.Equal(t, "Purchase", ev.EventName)
	assert.Equal(t, int64(1759338000), ev.EventTime)
	assert.Equal(t, capi.UserData{Email: email, Phone: normalize.SHA256Hex("593987654321")}, ev.UserData)
	assert.Equal(t, capi.ActionSource, ev.ActionSource)
	require.NotNil(t, ev.EventID)
	assert.Equal(t, "F-100", *ev.EventID)

	assert.Equal(t, 12.5, ev.CustomData.Value)
	assert.Equal(t, "USD", ev.CustomData.Currency)
	assert.Equal(t, "product", ev.CustomData.ContentType)
	assert.Equal(t, []string{"SKU-9"}, ev.CustomData.ContentIDs)
	require.NotNil(t, ev.CustomData.OrderID)
	assert.Equal(t, "F-100", *ev.CustomData.OrderID)
	require.NotNil(t, ev.CustomData.ContentCategory)
	assert.Equal(t, "Vitaminas", *ev.CustomData.ContentCategory)
}

func TestTransform_OptionalFields(t *testing.T) {
	tr := newRetailTransformer()

	ev, err := tr.Transform(retailRow("", "+593987654321", "", "", "", "abc", "2025-10-01"))
	require.NoError(t, err)

	assert.Empty(t, ev.UserData.Email)
	assert.NotEmpty(t, ev.UserData.Phone)
	assert.Nil(t, ev.EventID)
	assert.Nil(t, ev.CustomData.OrderID)
	assert.Nil(t, ev.CustomData.ContentCategory)
	assert.NotNil(t, ev.CustomData.ContentIDs)
	assert.Empty(t, ev.CustomData.ContentIDs)
	assert.Equal(t, 0.0, ev.CustomData.Value, "unparseable value degrades to zero")
}

func TestTransform_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		row    RawRow
		reason string
	}{
		{"no identity", retailRow("not-an-email", "12345", "F", "", "", "1", "2025-10-01"), ReasonNoIdentity},
		{"identity checked before date", retailRow("", "", "F", "", "", "1", "garbage"), ReasonNoIdentity},
		{"bad date", retailRow("a@b.com", "", "F", "", "", "1", "not-a-date"), ReasonInvalidDate},
		{"missing date", retailRow("a@b.com", "", "F", "", "", "1", ""), ReasonInvalidDate},
	}
	tr := newRetailTransformer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transform(tt.row)
			var rowErr *RowError
			require.True(t, errors.As(err, &rowErr), "got %v", err)
			assert.Equal(t, tt.reason, rowErr.Reason)
		})
	}
}

func TestTransform_BlankRow(t *testing.T) {
	tr := newRetailTransformer()
	_, err := tr.Transform(retailRow(" ", "", "", "", "", "", "  "))
	assert.ErrorIs(t, err, ErrBlankRow)
}

func TestTransform_CustomColumnsAndEventName(t *testing.T) {
	tr := NewTransformer(Config{
		EventName:     "OfflinePurchase",
		Timezone:      "UTC",
		DefaultRegion: "EC",
		Columns:       ColumnMap{Email: "email", Date: "order_date"},
	})
	row := RawRow{
		Header: NewHeader([]string{"EMAIL", "Order_Date"}),
		Values: []string{"x@y.io", "2025-01-02"},
	}

	ev, err := tr.Transform(row)
	require.NoError(t, err)
	assert.Equal(t, "OfflinePurchase", ev.EventName)
	assert.Equal(t, "CELULAR", tr.Config().Columns.Phone, "unset names keep defaults")
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"12.5", 12.5},
		{"0", 0},
		{"-3", -3},
		{"", 0},
		{"1,234.50", 0},
		{"NaN", 0},
		{"Inf", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseValue(tt.in), tt.in)
	}
}

func TestHeader(t *testing.T) {
	h := NewHeader([]string{" correo ", "CELULAR", "FECHA"})
	assert.Equal(t, []string{"correo", "CELULAR", "FECHA"}, h.Columns())
	assert.Equal(t, []string{"FACTURA", "VENTA_NETA"}, h.Missing([]string{"CORREO", "FACTURA", "fecha", "VENTA_NETA"}))

	row := RawRow{Header: h, Values: []string{" a@b.com ", "099"}}
	assert.Equal(t, "a@b.com", row.Get("CORREO"))
	assert.Equal(t, "", row.Get("FECHA"), "short record")
	assert.Equal(t, "", row.Get("UNKNOWN"))
}

func TestMissingColumnsError(t *testing.T) {
	var err error = &MissingColumnsError{Columns: []string{"CORREO", "FECHA"}}
	assert.Equal(t, "missing columns: CORREO, FECHA", err.Error())
	assert.ErrorIs(t, err, ErrMissingColumns)
}
