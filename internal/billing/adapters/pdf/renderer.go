// Package pdf renders invoices as fixed-layout A4 documents
package pdf

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

const (
	pageMargin  = 20.0
	contentW    = 170.0
	lineHeight  = 6.0
	fontFamily  = "Helvetica"
	dateLayout  = "January 2, 2006"
	footerLabel = "Thank you for your business."
)

// Item table column widths: description, quantity, unit price, amount
var columns = [4]float64{95, 20, 27.5, 27.5}

// Renderer renders invoices with fpdf. Output is deterministic for a given
// document: creation dates are pinned to the invoice issue date.
type Renderer struct{}

// NewRenderer creates a renderer
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render produces the PDF bytes for doc
func (r *Renderer) Render(doc *model.InvoiceDocument) ([]byte, error) {
	if doc == nil || doc.Invoice == nil {
		return nil, fmt.Errorf("render invoice: missing invoice")
	}
	inv := doc.Invoice

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin+10)
	pdf.SetCreationDate(inv.IssuedAt)
	pdf.SetModificationDate(inv.IssuedAt)
	pdf.SetCatalogSort(true)
	pdf.SetTitle("Invoice "+inv.Number, true)
	pdf.SetAuthor(doc.Company.Name, true)
	pdf.SetCreator("saas-invoice", true)

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-20)
		pdf.SetFont(fontFamily, "I", 8)
		pdf.SetTextColor(110, 110, 110)
		pdf.CellFormat(0, 5, tr(footerLabel), "", 1, "C", false, 0, "")
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AliasNbPages("{nb}")
	pdf.AddPage()

	writeHeader(pdf, tr, doc.Company)
	writeParties(pdf, tr, doc)
	writeItems(pdf, tr, inv)
	writeTotals(pdf, tr, inv)
	writeNotes(pdf, tr, inv.Notes)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", inv.Number, err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", inv.Number, err)
	}
	return buf.Bytes(), nil
}

type translator func(string) string

func writeHeader(pdf *fpdf.Fpdf, tr translator, c model.Company) {
	pdf.SetTextColor(33, 33, 33)
	pdf.SetFont(fontFamily, "B", 18)
	pdf.CellFormat(contentW/2, 10, tr(c.Name), "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "B", 22)
	pdf.CellFormat(contentW/2, 10, "INVOICE", "", 1, "R", false, 0, "")

	pdf.SetFont(fontFamily, "", 9)
	pdf.SetTextColor(90, 90, 90)
	for _, line := range []string{c.Address, c.Phone, c.Email} {
		if strings.TrimSpace(line) != "" {
			pdf.CellFormat(contentW, 4.5, tr(line), "", 1, "L", false, 0, "")
		}
	}
	pdf.Ln(3)
	y := pdf.GetY()
	pdf.SetDrawColor(51, 51, 51)
	pdf.SetLineWidth(0.6)
	pdf.Line(pageMargin, y, pageMargin+contentW, y)
	pdf.Ln(8)
}

func writeParties(pdf *fpdf.Fpdf, tr translator, doc *model.InvoiceDocument) {
	inv := doc.Invoice
	top := pdf.GetY()

	pdf.SetTextColor(33, 33, 33)
	pdf.SetFont(fontFamily, "B", 10)
	pdf.CellFormat(90, lineHeight, "Bill To", "", 1, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	for _, line := range billTo(doc.Customer) {
		pdf.CellFormat(90, 5, tr(line), "", 1, "L", false, 0, "")
	}
	bottom := pdf.GetY()

	meta := [][2]string{
		{"Invoice Number", inv.Number},
		{"Issue Date", inv.IssuedAt.Format(dateLayout)},
		{"Due Date", inv.DueAt.Format(dateLayout)},
		{"Status", strings.ToUpper(string(inv.Status))},
	}
	if inv.PaidAt != nil {
		meta = append(meta, [2]string{"Paid", inv.PaidAt.Format(dateLayout)})
	}
	pdf.SetXY(pageMargin+95, top)
	for _, row := range meta {
		pdf.SetX(pageMargin + 95)
		pdf.SetFont(fontFamily, "B", 10)
		pdf.CellFormat(35, lineHeight, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont(fontFamily, "", 10)
		pdf.CellFormat(40, lineHeight, tr(row[1]), "", 1, "R", false, 0, "")
	}
	if pdf.GetY() < bottom {
		pdf.SetY(bottom)
	}
	pdf.Ln(8)
}

func billTo(c *model.Customer) []string {
	if c == nil {
		return []string{"-"}
	}
	lines := []string{c.DisplayName()}
	if c.CompanyName != "" && c.CompanyName != c.DisplayName() {
		lines = append(lines, c.CompanyName)
	}
	if addr := c.FullAddress(); addr != "" {
		lines = append(lines, addr)
	}
	lines = append(lines, c.Email)
	if c.TaxID != "" {
		lines = append(lines, "Tax ID: "+c.TaxID)
	}
	return lines
}

func writeItems(pdf *fpdf.Fpdf, tr translator, inv *model.Invoice) {
	header := [4]string{"Description", "Qty", "Unit Price", "Amount"}
	aligns := [4]string{"L", "R", "R", "R"}

	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetFillColor(245, 245, 245)
	pdf.SetDrawColor(221, 221, 221)
	pdf.SetLineWidth(0.2)
	for i, h := range header {
		pdf.CellFormat(columns[i], 8, h, "1", 0, aligns[i], true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont(fontFamily, "", 10)
	for _, item := range inv.Items {
		desc := item.Description
		if item.PeriodStart != nil && item.PeriodEnd != nil {
			desc = fmt.Sprintf("%s (%s - %s)", desc,
				item.PeriodStart.Format("Jan 2, 2006"), item.PeriodEnd.Format("Jan 2, 2006"))
		}
		cells := [4]string{
			tr(desc),
			fmt.Sprintf("%d", item.Quantity),
			model.FormatAmount(item.UnitPriceCents, inv.Currency),
			model.FormatAmount(item.AmountCents, inv.Currency),
		}
		lines := pdf.SplitLines([]byte(cells[0]), columns[0]-2)
		h := float64(len(lines)) * 5
		if h < 7 {
			h = 7
		}
		x, y := pdf.GetXY()
		pdf.MultiCell(columns[0], h/float64(max(len(lines), 1)), cells[0], "1", "L", false)
		pdf.SetXY(x+columns[0], y)
		for i := 1; i < 4; i++ {
			pdf.CellFormat(columns[i], h, cells[i], "1", 0, aligns[i], false, 0, "")
		}
		pdf.SetXY(x, y+h)
	}
	pdf.Ln(6)
}

func writeTotals(pdf *fpdf.Fpdf, tr translator, inv *model.Invoice) {
	rows := [][2]string{{"Subtotal", model.FormatAmount(inv.SubtotalCents, inv.Currency)}}
	if inv.DiscountCents > 0 {
		rows = append(rows, [2]string{"Discount", "-" + model.FormatAmount(inv.DiscountCents, inv.Currency)})
	}
	rows = append(rows, [2]string{
		fmt.Sprintf("Tax (%s%%)", formatRate(inv.Tax.RateBps)),
		model.FormatAmount(inv.TaxCents, inv.Currency),
	})

	pdf.SetFont(fontFamily, "", 10)
	for _, row := range rows {
		pdf.SetX(pageMargin + 95)
		pdf.CellFormat(45, lineHeight, row[0], "", 0, "R", false, 0, "")
		pdf.CellFormat(30, lineHeight, tr(row[1]), "", 1, "R", false, 0, "")
	}
	y := pdf.GetY() + 1
	pdf.SetDrawColor(51, 51, 51)
	pdf.Line(pageMargin+110, y, pageMargin+contentW, y)
	pdf.Ln(3)
	pdf.SetX(pageMargin + 95)
	pdf.SetFont(fontFamily, "B", 13)
	pdf.CellFormat(45, 8, "Total", "", 0, "R", false, 0, "")
	pdf.CellFormat(30, 8, tr(model.FormatAmount(inv.TotalCents, inv.Currency)), "", 1, "R", false, 0, "")
	pdf.Ln(8)
}

func writeNotes(pdf *fpdf.Fpdf, tr translator, notes string) {
	if strings.TrimSpace(notes) == "" {
		return
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.CellFormat(contentW, lineHeight, "Notes", "", 1, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 9)
	pdf.MultiCell(contentW, 5, tr(notes), "", "L", false)
}

// formatRate renders basis points as a percentage without trailing zeros
func formatRate(bps int64) string {
	s := fmt.Sprintf("%d.%02d", bps/100, bps%100)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
