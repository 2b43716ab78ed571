package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmountFormats(t *testing.T) {
	cases := map[string]string{
		"1.234,56":      "1234.56",
		"1,234.56":      "1234.56",
		"1234.56":       "1234.56",
		"11,48":         "11.48",
		"1 234,56":      "1234.56",
		"12.345.678,90": "12345678.90",
	}
	for in, want := range cases {
		got, err := parseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestFindLabelledAmountPrefersStrongLabels(t *testing.T) {
	text := "Zwischensumme: 100,00\nMwSt 19%: 19,00\nGesamtbetrag: 119,00 €\n"

	amt, found, strong := findLabelledAmount(text)
	require.True(t, found)
	assert.True(t, strong)
	assert.Equal(t, "119.00", amt.StringFixed(2))
}

func TestFindLabelledAmountWeakFallback(t *testing.T) {
	amt, found, strong := findLabelledAmount("Summe: 50,00\n")
	require.True(t, found)
	assert.False(t, strong)
	assert.Equal(t, "50.00", amt.StringFixed(2))
}

func TestFindLargestAmount(t *testing.T) {
	amt, ok := findLargestAmount("items 3,99 and 12,50 and 7,00")
	require.True(t, ok)
	assert.Equal(t, "12.50", amt.StringFixed(2))

	_, ok = findLargestAmount("no numbers here")
	assert.False(t, ok)
}

func TestFirstDateFormats(t *testing.T) {
	cases := map[string]string{
		"issued 2024-11-18 ok":  "2024-11-18",
		"am 18.11.2024 bezahlt": "2024-11-18",
		"on 18/11/2024":         "2024-11-18",
		"on 11/18/2024":         "2024-11-18",
	}
	for in, want := range cases {
		got, ok := firstDate(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := firstDate("version 1.2.3 and nothing else")
	assert.False(t, ok)
}

func TestFindInvoiceDatePrefersSpecificLabels(t *testing.T) {
	text := "Lieferdatum: 01.11.2024\nRechnungsdatum: 18.11.2024\n"

	date, ok := findInvoiceDate(text)
	require.True(t, ok)
	assert.Equal(t, "2024-11-18", date)

	_, ok = findLabelledDate("nothing labelled 18.11.2024", dueDateLabels)
	assert.False(t, ok)
}

func TestFindInvoiceNumber(t *testing.T) {
	n, ok := findInvoiceNumber("Rechnungsnummer: RE-2024-887")
	require.True(t, ok)
	assert.Equal(t, "RE-2024-887", n)

	n, ok = findInvoiceNumber("Invoice No. INV/2024/12 dated today")
	require.True(t, ok)
	assert.Equal(t, "INV/2024/12", n)

	_, ok = findInvoiceNumber("no identifiers at all")
	assert.False(t, ok)
}

func TestDetectCurrency(t *testing.T) {
	code, ok := detectCurrency("Gesamtbetrag: 119,00 €")
	require.True(t, ok)
	assert.Equal(t, "EUR", code)

	code, ok = detectCurrency("Total 5.00 USD")
	require.True(t, ok)
	assert.Equal(t, "USD", code)

	_, ok = detectCurrency("plain words")
	assert.False(t, ok)
}

func TestFindTaxAmount(t *testing.T) {
	amt, ok := findTaxAmount("Netto 100,00\nMwSt 19%: 19,00\n")
	require.True(t, ok)
	assert.Equal(t, "19.00", amt.StringFixed(2))
}

func TestNormalizeOCR(t *testing.T) {
	assert.Equal(t, "total 1234,56", normalizeOCR("total 1 234,56"))
	assert.Equal(t, "betrag 100,00", normalizeOCR("betrag 1O0,00"))
}

func TestIsRefund(t *testing.T) {
	assert.True(t, isRefund("Gutschrift zur Rechnung RE-12"))
	assert.True(t, isRefund("Credit Note #4"))
	assert.False(t, isRefund("Rechnung RE-12"))
}
