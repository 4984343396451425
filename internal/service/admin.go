package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pharmaweb/backend/internal/domain"
	"pharmaweb/backend/internal/store"
)

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	if _, err := s.authorize(ctx, CapReportsRead); err != nil {
		return domain.DailyReport{}, err
	}
	day, err := s.parseDay(date)
	if err != nil {
		return domain.DailyReport{}, err
	}

	report, err := s.repo.GetDailyReport(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.Date = day.Format("2006-01-02")
	return report, nil
}

// Dashboard summarizes today's counter activity and the open stock alerts.
func (s *Service) Dashboard(ctx context.Context) (domain.DashboardSummary, error) {
	if _, err := s.authorize(ctx, CapDashboardRead); err != nil {
		return domain.DashboardSummary{}, err
	}
	day, _ := s.parseDay("")

	report, err := s.repo.GetDailyReport(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	patients, err := s.repo.CountPatients(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	prescriptions, err := s.repo.CountPrescriptionsSince(ctx, day)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	alerts, err := s.StockAlerts(ctx)
	if err != nil {
		return domain.DashboardSummary{}, err
	}

	summary := domain.DashboardSummary{
		Date:               day.Format("2006-01-02"),
		SalesToday:         report.Sales,
		RevenueToday:       report.GrossTotal,
		Patients:           patients,
		PrescriptionsToday: prescriptions,
		Alerts:             len(alerts),
	}
	for _, alert := range alerts {
		if alert.Priority == domain.PriorityCritical {
			summary.CriticalAlerts++
		}
	}
	return summary, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := s.authorize(ctx, CapAuditRead); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// GetSettings is readable by every signed-in role since receipts print it.
func (s *Service) GetSettings(ctx context.Context) (domain.PharmacySettings, error) {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return domain.PharmacySettings{}, err
	}
	return s.repo.GetSettings(ctx)
}

func (s *Service) SaveSettings(ctx context.Context, req domain.PharmacySettings) (domain.PharmacySettings, error) {
	if _, err := s.authorize(ctx, CapSettingsWrite); err != nil {
		return domain.PharmacySettings{}, err
	}
	defaults := store.DefaultSettings()
	settings := domain.PharmacySettings{
		Name:          strings.TrimSpace(req.Name),
		Address:       strings.TrimSpace(req.Address),
		Phone:         strings.TrimSpace(req.Phone),
		Currency:      defaultString(req.Currency, defaults.Currency),
		ReceiptFooter: defaultString(req.ReceiptFooter, defaults.ReceiptFooter),
		UpdatedAt:     s.now().UTC(),
	}
	if settings.Name == "" {
		return domain.PharmacySettings{}, fmt.Errorf("%w: pharmacy name is required", store.ErrInvalidTransaction)
	}

	saved, err := s.repo.SaveSettings(ctx, settings)
	if err != nil {
		return domain.PharmacySettings{}, err
	}
	s.logAudit(ctx, "settings_update", "settings", "pharmacy", fmt.Sprintf("name=%s currency=%s", saved.Name, saved.Currency))
	return *saved, nil
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserView, error) {
	if _, err := s.authorize(ctx, CapUsersManage); err != nil {
		return domain.UserView{}, err
	}

	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.UserView{}, fmt.Errorf("%w: username must be at least 4 characters", store.ErrInvalidTransaction)
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.UserView{}, fmt.Errorf("%w: username must not contain spaces", store.ErrInvalidTransaction)
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.UserView{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrInvalidTransaction)
	}
	role := defaultString(req.Role, domain.RoleCashier)
	if !domain.IsKnownRole(role) {
		return domain.UserView{}, fmt.Errorf("%w: unknown role %q", store.ErrInvalidTransaction, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.UserView{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.UserAccount{
		Username:    username,
		DisplayName: defaultString(req.DisplayName, username),
		Password:    string(hash),
		Role:        role,
		Active:      true,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return domain.UserView{}, err
	}

	s.logAudit(ctx, "user_create", "user", username, fmt.Sprintf("role=%s", role))
	return userView(user), nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserView, error) {
	if _, err := s.authorize(ctx, CapUsersManage); err != nil {
		return nil, err
	}
	users, err := s.repo.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]domain.UserView, 0, len(users))
	for _, user := range users {
		result = append(result, userView(user))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Username < result[j].Username
	})
	return result, nil
}

func userView(user domain.UserAccount) domain.UserView {
	return domain.UserView{
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		Active:      user.Active,
		CreatedAt:   user.CreatedAt,
	}
}
