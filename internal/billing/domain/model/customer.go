package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Customer is the billing profile of a user
type Customer struct {
	ID           string
	UserID       string
	Email        string
	Name         string
	CompanyName  string
	TaxID        string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewCustomer creates an empty billing profile for a user
func NewCustomer(userID, email, name string) *Customer {
	now := time.Now().UTC()
	return &Customer{
		ID:        uuid.New().String(),
		UserID:    userID,
		Email:     email,
		Name:      name,
		Country:   "US",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CustomerProfile holds the editable customer fields
type CustomerProfile struct {
	CompanyName  string
	TaxID        string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string
}

// UpdateProfile replaces the editable fields
func (c *Customer) UpdateProfile(p CustomerProfile) {
	c.CompanyName = strings.TrimSpace(p.CompanyName)
	c.TaxID = strings.TrimSpace(p.TaxID)
	c.AddressLine1 = strings.TrimSpace(p.AddressLine1)
	c.AddressLine2 = strings.TrimSpace(p.AddressLine2)
	c.City = strings.TrimSpace(p.City)
	c.State = strings.TrimSpace(p.State)
	c.PostalCode = strings.TrimSpace(p.PostalCode)
	if country := strings.ToUpper(strings.TrimSpace(p.Country)); country != "" {
		c.Country = country
	}
	c.UpdatedAt = time.Now().UTC()
}

// DisplayName prefers the company name
func (c *Customer) DisplayName() string {
	if c.CompanyName != "" {
		return c.CompanyName
	}
	if c.Name != "" {
		return c.Name
	}
	return c.Email
}

// FullAddress joins the non-empty address parts
func (c *Customer) FullAddress() string {
	parts := make([]string, 0, 5)
	for _, p := range []string{c.AddressLine1, c.AddressLine2, c.City} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	region := strings.TrimSpace(c.State + " " + c.PostalCode)
	if region != "" {
		parts = append(parts, region)
	}
	if c.Country != "" {
		parts = append(parts, c.Country)
	}
	return strings.Join(parts, ", ")
}
