package eventstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/drblury/eventcore/internal/runtime/ids"
)

// reservedTenantChars cannot appear in a tenant id since the id is a
// single token of the bus subject.
const reservedTenantChars = ".*> \t\r\n"

// RequireTenant fails closed on an empty tenant id or one that could not be
// put on a subject.
func RequireTenant(tenantID string) error {
	if tenantID == "" {
		return &TenantMismatchError{}
	}
	if strings.ContainsAny(tenantID, reservedTenantChars) {
		return fmt.Errorf("%w: tenant id %q contains a reserved subject character", ErrTenantMismatch, tenantID)
	}
	return nil
}

// RequireReadScope checks ReadAll options: a tenant or an explicit
// cross-tenant request.
func RequireReadScope(opts ReadAllOptions) error {
	if opts.AllTenants {
		return nil
	}
	return RequireTenant(opts.TenantID)
}

// PrepareAppend validates Append input and fills generated fields. The
// returned slice is a copy, the caller's events are left untouched.
func PrepareAppend(streamID, tenantID string, events []EventData, now time.Time) ([]EventData, error) {
	if err := RequireTenant(tenantID); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, ErrStreamRequired
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	prepared := make([]EventData, len(events))
	for i, evt := range events {
		if evt.EventType == "" {
			return nil, fmt.Errorf("event %d: %w", i, ErrEventTypeRequired)
		}
		if evt.TenantID != "" && evt.TenantID != tenantID {
			return nil, fmt.Errorf("event %d: %w", i, &TenantMismatchError{Expected: tenantID, Actual: evt.TenantID})
		}
		evt.TenantID = tenantID
		if evt.EventID == "" {
			evt.EventID = ids.NewEventID()
		}
		if evt.Timestamp.IsZero() {
			evt.Timestamp = now
		}
		evt.Timestamp = evt.Timestamp.UTC()
		prepared[i] = evt
	}
	return prepared, nil
}
