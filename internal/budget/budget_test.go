package budget

import (
	"context"
	"testing"

	"github.com/lumenchat/gateway/internal/notifications"
)

func newTestMonitor() (*Monitor, *notifications.InMemoryNotifier) {
	notifier := notifications.NewInMemoryNotifier()
	return NewMonitor(notifier, NewInMemoryDeduplicator(), DefaultThresholds()), notifier
}

func TestCheck_NoBudgetNoAlert(t *testing.T) {
	m, _ := newTestMonitor()

	if alert := m.Check(context.Background(), "t1", 0, 100); alert != nil {
		t.Errorf("zero budget should never alert, got %+v", alert)
	}
}

func TestCheck_BelowWarning(t *testing.T) {
	m, notifier := newTestMonitor()

	if alert := m.Check(context.Background(), "t1", 10, 5); alert != nil {
		t.Errorf("50%% spend should not alert, got %+v", alert)
	}
	if got := notifier.Notifications(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
}

func TestCheck_ThresholdLevels(t *testing.T) {
	cases := []struct {
		name       string
		currentUSD float64
		wantLevel  AlertLevel
		wantType   notifications.NotificationType
	}{
		{"warning at 80%", 8.0, AlertLevelWarning, notifications.NotificationBudgetWarning},
		{"critical at 95%", 9.5, AlertLevelCritical, notifications.NotificationBudgetCritical},
		{"exceeded at 100%", 10.0, AlertLevelExceeded, notifications.NotificationBudgetExceeded},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, notifier := newTestMonitor()

			alert := m.Check(context.Background(), "t1", 10, tc.currentUSD)
			if alert == nil {
				t.Fatal("expected an alert")
			}
			if alert.Level != tc.wantLevel {
				t.Errorf("level = %s, want %s", alert.Level, tc.wantLevel)
			}

			sent := notifier.Notifications()
			if len(sent) != 1 || sent[0].Type != tc.wantType {
				t.Errorf("notifications = %+v, want one %s", sent, tc.wantType)
			}
		})
	}
}

func TestCheck_DedupSuppressesRepeatLevel(t *testing.T) {
	m, notifier := newTestMonitor()
	ctx := context.Background()

	if m.Check(ctx, "t1", 10, 8.0) == nil {
		t.Fatal("first warning should alert")
	}
	if m.Check(ctx, "t1", 10, 8.5) != nil {
		t.Error("same level should be suppressed")
	}
	if m.Check(ctx, "t1", 10, 9.5) == nil {
		t.Error("level escalation should alert again")
	}

	if got := notifier.Notifications(); len(got) != 2 {
		t.Errorf("notifications = %d, want 2 (warning + critical)", len(got))
	}
}

func TestCheck_ClearRearmsAfterDrop(t *testing.T) {
	m, _ := newTestMonitor()
	ctx := context.Background()

	if m.Check(ctx, "t1", 10, 8.0) == nil {
		t.Fatal("first warning should alert")
	}

	// Spend falls back below warning (day rollover); state clears.
	if m.Check(ctx, "t1", 10, 1.0) != nil {
		t.Error("below-warning spend should not alert")
	}

	if m.Check(ctx, "t1", 10, 8.0) == nil {
		t.Error("warning should fire again after the state cleared")
	}
}

func TestCheck_TenantsIndependent(t *testing.T) {
	m, _ := newTestMonitor()
	ctx := context.Background()

	if m.Check(ctx, "t1", 10, 8.0) == nil {
		t.Fatal("t1 warning should alert")
	}
	if m.Check(ctx, "t2", 10, 8.0) == nil {
		t.Error("t2 dedup state must be independent of t1")
	}
}

func TestCheck_NilNotifier(t *testing.T) {
	m := NewMonitor(nil, NewInMemoryDeduplicator(), DefaultThresholds())

	if alert := m.Check(context.Background(), "t1", 10, 10); alert == nil {
		t.Error("alert state should still be computed without a notifier")
	}
}

func TestInMemoryDeduplicator(t *testing.T) {
	d := NewInMemoryDeduplicator()
	ctx := context.Background()

	if !d.ShouldAlert(ctx, "t1", AlertLevelWarning) {
		t.Error("first alert should pass")
	}
	if d.ShouldAlert(ctx, "t1", AlertLevelWarning) {
		t.Error("repeat of the same level should be suppressed")
	}
	if !d.ShouldAlert(ctx, "t1", AlertLevelCritical) {
		t.Error("different level should pass")
	}

	d.ClearAlert(ctx, "t1")
	if !d.ShouldAlert(ctx, "t1", AlertLevelCritical) {
		t.Error("cleared tenant should alert again")
	}
}
