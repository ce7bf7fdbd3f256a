package stores

import (
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/date"

	"github.com/fabricmanagement/authz"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime converts whatever the driver returned for a timestamp column. NULL
// and empty values are the zero time; anything unparseable is an error.
func scanTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return v, nil
	case []byte:
		return scanTime(string(v))
	case string:
		if strings.TrimSpace(v) == "" {
			return time.Time{}, nil
		}
		t, err := parseFlexibleTime(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", v, err)
		}
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("malformed timestamp %q", v)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cloneRule(r *authz.PolicyRule) *authz.PolicyRule {
	if r == nil {
		return nil
	}
	dup := *r
	if r.Conditions != nil {
		dup.Conditions = make(map[string]string, len(r.Conditions))
		for k, v := range r.Conditions {
			dup.Conditions[k] = v
		}
	}
	return &dup
}

func cloneGrant(g *authz.PermissionGrant) *authz.PermissionGrant {
	if g == nil {
		return nil
	}
	dup := *g
	return &dup
}
