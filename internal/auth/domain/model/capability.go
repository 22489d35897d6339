package model

// Capability names one permission checked by an endpoint
type Capability string

const (
	CapCatalogManage       Capability = "catalog:manage"
	CapCouponsManage       Capability = "coupons:manage"
	CapUsersManage         Capability = "users:manage"
	CapSubscriptionsManage Capability = "subscriptions:manage"
	CapInvoicesManage      Capability = "invoices:manage"
	CapPaymentsManage      Capability = "payments:manage"
	CapSubscriptionsOwn    Capability = "subscriptions:own"
	CapInvoicesOwn         Capability = "invoices:own"
)

var capabilities = map[Capability][]Role{
	CapCatalogManage:       {RoleOwner, RoleAdmin},
	CapCouponsManage:       {RoleOwner, RoleAdmin},
	CapUsersManage:         {RoleOwner, RoleAdmin},
	CapSubscriptionsManage: {RoleOwner, RoleAdmin},
	CapInvoicesManage:      {RoleOwner, RoleAdmin, RoleAccountant},
	CapPaymentsManage:      {RoleOwner, RoleAdmin, RoleAccountant},
	CapSubscriptionsOwn:    Roles,
	CapInvoicesOwn:         Roles,
}

// Can reports whether r holds capability. Unknown capabilities are denied.
func (r Role) Can(capability Capability) bool {
	for _, allowed := range capabilities[capability] {
		if allowed == r {
			return true
		}
	}
	return false
}

// RoleCan is Role.Can over plain strings, for callers outside the auth context
func RoleCan(role, capability string) bool {
	return Role(role).Can(Capability(capability))
}

// Capabilities lists everything r is allowed to do
func (r Role) Capabilities() []Capability {
	var out []Capability
	for _, c := range []Capability{
		CapCatalogManage, CapCouponsManage, CapUsersManage, CapSubscriptionsManage,
		CapInvoicesManage, CapPaymentsManage, CapSubscriptionsOwn, CapInvoicesOwn,
	} {
		if r.Can(c) {
			out = append(out, c)
		}
	}
	return out
}
