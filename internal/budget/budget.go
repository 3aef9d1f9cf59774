// Package budget watches daily spend against each tenant's cost ceiling and
// raises threshold alerts. Alerting is observational only; enforcement of
// the ceiling happens in the preflight check.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenchat/gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	TenantID   string
	Level      AlertLevel
	BudgetUSD  float64
	CurrentUSD float64
	Percentage float64
	Timestamp  time.Time
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Monitor struct {
	thresholds Thresholds
	dedup      AlertDeduplicator
	notifier   notifications.Notifier
}

func NewMonitor(notifier notifications.Notifier, dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	return &Monitor{
		thresholds: thresholds,
		dedup:      dedup,
		notifier:   notifier,
	}
}

// Check compares the current day-bucket spend against the tenant ceiling and
// dispatches at most one alert per level transition. Failures are logged and
// swallowed; the monitor must never affect the chat path.
func (m *Monitor) Check(ctx context.Context, tenantID string, budgetUSD, currentUSD float64) *Alert {
	if budgetUSD <= 0 {
		return nil
	}

	percentage := currentUSD / budgetUSD

	var level AlertLevel
	var notifType notifications.NotificationType
	switch {
	case percentage >= 1.0:
		level = AlertLevelExceeded
		notifType = notifications.NotificationBudgetExceeded
	case percentage >= m.thresholds.Critical:
		level = AlertLevelCritical
		notifType = notifications.NotificationBudgetCritical
	case percentage >= m.thresholds.Warning:
		level = AlertLevelWarning
		notifType = notifications.NotificationBudgetWarning
	default:
		m.dedup.ClearAlert(ctx, tenantID)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, tenantID, level) {
		return nil
	}

	alert := &Alert{
		TenantID:   tenantID,
		Level:      level,
		BudgetUSD:  budgetUSD,
		CurrentUSD: currentUSD,
		Percentage: percentage * 100,
		Timestamp:  time.Now(),
	}

	slog.Warn("budget alert",
		"tenant_id", alert.TenantID,
		"level", alert.Level,
		"budget_usd", alert.BudgetUSD,
		"current_usd", alert.CurrentUSD,
		"percentage", alert.Percentage,
	)

	if m.notifier != nil {
		notification := notifications.Notification{
			Type:     notifType,
			TenantID: tenantID,
			Message:  fmt.Sprintf("daily spend $%.4f of $%.2f budget (%.0f%%)", currentUSD, budgetUSD, alert.Percentage),
			Data: map[string]any{
				"budget_usd":  budgetUSD,
				"current_usd": currentUSD,
			},
		}
		if err := m.notifier.Send(ctx, notification); err != nil {
			slog.Warn("failed to send budget alert", "tenant_id", tenantID, "error", err)
		}
	}

	return alert
}
