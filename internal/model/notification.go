package model

import "sync"

// NotificationTypeMask is a bitmask over NotificationType values,
// letting a Notification object opt into a subset of event kinds.
type NotificationTypeMask uint16

func MaskOf(types ...NotificationType) NotificationTypeMask {
	var m NotificationTypeMask
	for _, t := range types {
		m |= 1 << uint(t)
	}
	return m
}

func (m NotificationTypeMask) Has(t NotificationType) bool {
	return m&(1<<uint(t)) != 0
}

// Notification attaches a recipient list and a time filter to a
// Checkable. This supplements spec.md's SendNotifications wire method,
// which names the event but leaves recipient computation to the
// (out-of-scope) notification component; Notification is the minimum
// object needed so a Recovery is only sent to users who actually saw
// the Problem (original_source/ tracks per-user notified state for the
// same reason).
type Notification struct {
	Name      string
	Types     NotificationTypeMask
	Period    *TimePeriod
	Users     []string

	mu       sync.Mutex
	notified map[string]bool // user -> was notified of the current problem
}

func NewNotification(name string, types NotificationTypeMask, period *TimePeriod, users []string) *Notification {
	return &Notification{Name: name, Types: types, Period: period, Users: users, notified: make(map[string]bool)}
}

// Recipients returns the users that should receive this notification
// type: every configured user/group member and — for Recovery —
// filtered down to users actually marked notified of the preceding
// Problem. The notification's time period is not applied here.
func (n *Notification) Recipients(t NotificationType) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.Types.Has(t) {
		return nil
	}

	if t == NotificationRecovery {
		out := make([]string, 0, len(n.Users))
		for _, u := range n.Users {
			if n.notified[u] {
				out = append(out, u)
			}
		}
		return out
	}

	out := append([]string(nil), n.Users...)
	if t == NotificationProblem {
		for _, u := range n.Users {
			n.notified[u] = true
		}
	} else if t == NotificationAcknowledgement {
		// acknowledgement doesn't change notified-state bookkeeping
	}
	return out
}

// ResetNotified clears the notified-of-problem bookkeeping. Recipients
// leaves that bookkeeping in place after a Recovery; this is the only
// method that clears it.
func (n *Notification) ResetNotified() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified = make(map[string]bool)
}
