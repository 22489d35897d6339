package model

// Company is the seller block printed on invoices
type Company struct {
	Name    string
	Address string
	Phone   string
	Email   string
}

// InvoiceDocument is everything needed to render an invoice
type InvoiceDocument struct {
	Company  Company
	Customer *Customer
	Invoice  *Invoice
}
