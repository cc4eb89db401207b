package monitor

import (
	"fmt"
	"time"
)

// RaiseAlert opens an alert for condition, or updates the open one. Only one
// alert per condition is open at a time. It returns the alert id.
func (m *Monitor) RaiseAlert(condition, severity, message, source string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.byCondition[condition]; ok {
		if a.Severity != severity {
			m.logger.Warn("alert severity changed",
				"alert_id", a.ID,
				"condition", condition,
				"from", a.Severity,
				"to", severity,
			)
			a.Severity = severity
			// An escalation needs a fresh acknowledgement.
			a.AcknowledgedAt = nil
		}
		a.Message = message
		return a.ID
	}

	a := &Alert{
		ID:        newAlertID(),
		Condition: condition,
		Severity:  severity,
		Message:   message,
		Source:    source,
		RaisedAt:  m.now(),
	}
	m.alerts = append(m.alerts, a)
	m.byCondition[condition] = a

	m.logger.Warn("alert raised",
		"alert_id", a.ID,
		"condition", condition,
		"severity", severity,
		"source", source,
		"message", message,
	)
	return a.ID
}

// ResolveCondition resolves the open alert for condition, if any.
func (m *Monitor) ResolveCondition(condition string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byCondition[condition]
	if !ok {
		return false
	}
	m.resolveLocked(a)
	m.logger.Info("alert auto-resolved", "alert_id", a.ID, "condition", condition)
	return true
}

// AcknowledgeAlert marks an alert acknowledged. It returns false for an
// unknown or already resolved alert.
func (m *Monitor) AcknowledgeAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(id)
	if a == nil || a.ResolvedAt != nil {
		return false
	}
	if a.AcknowledgedAt == nil {
		now := m.now()
		a.AcknowledgedAt = &now
	}
	return true
}

// ResolveAlert resolves an alert. Resolving a resolved alert is a no-op that
// returns true; unknown ids return false.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.findLocked(id)
	if a == nil {
		return false
	}
	if a.ResolvedAt == nil {
		m.resolveLocked(a)
	}
	return true
}

// ActiveAlerts returns unresolved alerts, oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.byCondition))
	for _, a := range m.alerts {
		if a.ResolvedAt == nil {
			out = append(out, *a)
		}
	}
	return out
}

// Alert returns a copy of the alert with id.
func (m *Monitor) Alert(id string) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.findLocked(id); a != nil {
		return *a, true
	}
	return Alert{}, false
}

func (m *Monitor) findLocked(id string) *Alert {
	for _, a := range m.alerts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *Monitor) resolveLocked(a *Alert) {
	now := m.now()
	a.ResolvedAt = &now
	if m.byCondition[a.Condition] == a {
		delete(m.byCondition, a.Condition)
	}
}

func formatPercent(what string, value, threshold float64) string {
	return fmt.Sprintf("%s %.1f%% exceeds %.1f%%", what, value*100, threshold*100)
}

func formatLatency(p95 float64, threshold time.Duration) string {
	return fmt.Sprintf("p95 latency %.0fms exceeds %dms", p95, threshold.Milliseconds())
}
