package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// CustomerService manages billing profiles
type CustomerService struct {
	repos Repositories
	opts  Options
}

// NewCustomerService creates a new customer service
func NewCustomerService(repos Repositories, opts Options) *CustomerService {
	return &CustomerService{repos: repos, opts: opts.withDefaults()}
}

// Account identifies the user a customer belongs to
type Account struct {
	UserID string
	Email  string
	Name   string
}

// Ensure returns the user's customer, creating an empty profile on first access
func (s *CustomerService) Ensure(ctx context.Context, account Account) (*model.Customer, error) {
	customer, err := s.repos.Customers.FindByUserID(ctx, account.UserID)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, model.ErrCustomerNotFound) {
		return nil, err
	}

	err = s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		customer, err = s.repos.Customers.FindByUserID(ctx, account.UserID)
		if err == nil {
			return nil
		}
		customer = model.NewCustomer(account.UserID, account.Email, account.Name)
		return s.repos.Customers.Save(ctx, customer)
	})
	if err != nil {
		// A concurrent first access may have created it
		if existing, findErr := s.repos.Customers.FindByUserID(ctx, account.UserID); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}

	s.opts.Logger.WithContext(ctx).Info("Customer created", "customer_id", customer.ID, "user_id", account.UserID)
	return customer, nil
}

// FindByUser returns the customer of a user without creating one
func (s *CustomerService) FindByUser(ctx context.Context, userID string) (*model.Customer, error) {
	return s.repos.Customers.FindByUserID(ctx, userID)
}

// UpdateProfile replaces the editable billing fields
func (s *CustomerService) UpdateProfile(ctx context.Context, account Account, profile model.CustomerProfile) (*model.Customer, error) {
	customer, err := s.Ensure(ctx, account)
	if err != nil {
		return nil, err
	}
	customer.UpdateProfile(profile)
	if err := s.repos.Customers.Update(ctx, customer); err != nil {
		return nil, fmt.Errorf("failed to update customer: %w", err)
	}
	return customer, nil
}

// SyncAccount copies changed user details onto the customer
func (s *CustomerService) SyncAccount(ctx context.Context, account Account) error {
	customer, err := s.repos.Customers.FindByUserID(ctx, account.UserID)
	if errors.Is(err, model.ErrCustomerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if customer.Email == account.Email && customer.Name == account.Name {
		return nil
	}
	customer.Email = account.Email
	customer.Name = account.Name
	customer.UpdatedAt = s.opts.Clock()
	return s.repos.Customers.Update(ctx, customer)
}

// GetCustomer retrieves a customer by ID
func (s *CustomerService) GetCustomer(ctx context.Context, id string) (*model.Customer, error) {
	return s.repos.Customers.FindByID(ctx, id)
}

// ListCustomers lists customers
func (s *CustomerService) ListCustomers(ctx context.Context, filter model.CustomerFilter) ([]*model.Customer, int, error) {
	return s.repos.Customers.List(ctx, filter)
}
