package service

import (
	"context"
	"errors"

	"pharmaweb/backend/internal/domain"
)

var ErrForbidden = errors.New("forbidden")

type Capability string

const (
	CapCatalogRead           Capability = "catalog:read"
	CapCatalogWrite          Capability = "catalog:write"
	CapSuppliersRead         Capability = "suppliers:read"
	CapSuppliersWrite        Capability = "suppliers:write"
	CapPatientsRead          Capability = "patients:read"
	CapPatientsWrite         Capability = "patients:write"
	CapSalesSell             Capability = "sales:sell"
	CapSalesQuote            Capability = "sales:quote"
	CapSalesCancel           Capability = "sales:cancel"
	CapPrescriptionsRead     Capability = "prescriptions:read"
	CapPrescriptionsWrite    Capability = "prescriptions:write"
	CapPrescriptionsPrepare  Capability = "prescriptions:prepare"
	CapPrescriptionsDispense Capability = "prescriptions:dispense"
	CapDashboardRead         Capability = "dashboard:read"
	CapReportsRead           Capability = "reports:read"
	CapAuditRead             Capability = "audit:read"
	CapUsersManage           Capability = "users:manage"
	CapSettingsWrite         Capability = "settings:write"
)

var (
	allRoles     = []string{domain.RoleAdmin, domain.RolePharmacist, domain.RoleCashier, domain.RolePreparer}
	counterRoles = []string{domain.RoleAdmin, domain.RolePharmacist, domain.RoleCashier}
	stockRoles   = []string{domain.RoleAdmin, domain.RolePharmacist}
	adminOnly    = []string{domain.RoleAdmin}
)

var capabilityRoles = map[Capability][]string{
	CapCatalogRead:           allRoles,
	CapCatalogWrite:          stockRoles,
	CapSuppliersRead:         allRoles,
	CapSuppliersWrite:        stockRoles,
	CapPatientsRead:          counterRoles,
	CapPatientsWrite:         counterRoles,
	CapSalesSell:             counterRoles,
	CapSalesQuote:            counterRoles,
	CapSalesCancel:           adminOnly,
	CapPrescriptionsRead:     allRoles,
	CapPrescriptionsWrite:    stockRoles,
	CapPrescriptionsPrepare:  {domain.RoleAdmin, domain.RolePharmacist, domain.RolePreparer},
	CapPrescriptionsDispense: counterRoles,
	CapDashboardRead:         allRoles,
	CapReportsRead:           adminOnly,
	CapAuditRead:             adminOnly,
	CapUsersManage:           adminOnly,
	CapSettingsWrite:         adminOnly,
}

// Can reports whether role holds capability. Unknown capabilities are denied.
func Can(role string, capability Capability) bool {
	for _, allowed := range capabilityRoles[capability] {
		if allowed == role {
			return true
		}
	}
	return false
}

// RolesFor lists the roles holding capability, for route gating.
func RolesFor(capability Capability) []string {
	return append([]string(nil), capabilityRoles[capability]...)
}

// authorize returns the actor carried by ctx when it holds capability.
func (s *Service) authorize(ctx context.Context, capability Capability) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, ErrForbidden
	}
	if !Can(actor.Role, capability) {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}
