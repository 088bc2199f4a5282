package validation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule checks one field value. A non-nil error is the violation message.
type Rule func(ctx context.Context, field string, value interface{}) error

type ruleDef struct {
	severity Severity
	build    func(v *Validator) Rule
}

var vehicleIDRe = regexp.MustCompile(`^[A-Z0-9-]{3,15}$`)

var builtinRules = map[string]ruleDef{
	"must_be_future":    {SeverityError, func(v *Validator) Rule { return v.mustBeFuture }},
	"vehicle_id_format": {SeverityError, func(v *Validator) Rule { return vehicleIDFormat }},
	"vehicle_exists":    {SeverityError, func(v *Validator) Rule { return v.vehicleExists }},
	"business_hours":    {SeverityWarning, func(v *Validator) Rule { return v.businessHours }},
	"weekday":           {SeverityWarning, func(v *Validator) Rule { return v.weekday }},
}

// RuleNames lists the business rules templates may declare.
func RuleNames() []string {
	return []string{"business_hours", "must_be_future", "vehicle_exists", "vehicle_id_format", "weekday"}
}

var inactiveVehicleStatus = map[string]bool{
	"retired":        true,
	"decommissioned": true,
	"out_of_service": true,
}

func (v *Validator) mustBeFuture(_ context.Context, field string, value interface{}) error {
	now := v.now().In(v.loc)
	if t, ok := parseISODateTime(value, v.loc); ok {
		if !t.After(now) {
			return fmt.Errorf("field '%s' must be in the future", field)
		}
		return nil
	}
	if d, ok := parseISODate(value, v.loc); ok {
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, v.loc)
		if d.Before(today) {
			return fmt.Errorf("field '%s' must not be in the past", field)
		}
		return nil
	}
	return fmt.Errorf("field '%s' is not a date or datetime", field)
}

func vehicleIDFormat(_ context.Context, field string, value interface{}) error {
	s, ok := value.(string)
	if !ok || !vehicleIDRe.MatchString(s) {
		return fmt.Errorf("field '%s' is not a valid vehicle ID (3-15 characters of A-Z, 0-9 or '-')", field)
	}
	return nil
}

type statusCoder interface {
	HTTPStatus() int
}

// vehicleExists asks the fleet API for the vehicle. Any failure of the lookup
// is a violation.
func (v *Validator) vehicleExists(ctx context.Context, field string, value interface{}) error {
	id, ok := value.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return fmt.Errorf("field '%s' must hold a vehicle ID", field)
	}
	if v.checker == nil {
		return fmt.Errorf("vehicle %s could not be checked: no fleet API configured", id)
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	vehicle, err := v.checker.Get(callCtx, "/vehicles/"+url.PathEscape(id))
	if err != nil {
		var sc statusCoder
		if errors.As(err, &sc) && sc.HTTPStatus() == http.StatusNotFound {
			return fmt.Errorf("vehicle %s does not exist", id)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("vehicle %s could not be checked: lookup timed out", id)
		}
		return fmt.Errorf("vehicle %s could not be checked: %v", id, err)
	}
	if status, ok := vehicle["status"].(string); ok && inactiveVehicleStatus[strings.ToLower(status)] {
		return fmt.Errorf("vehicle %s is %s", id, strings.ToLower(status))
	}
	return nil
}

func (v *Validator) businessHours(_ context.Context, field string, value interface{}) error {
	var clock time.Time
	if t, ok := parseISODateTime(value, v.loc); ok {
		clock = t.In(v.loc)
	} else if t, ok := parseClock(value); ok {
		clock = t
	} else {
		return nil
	}
	minutes := clock.Hour()*60 + clock.Minute()
	if minutes < 7*60 || minutes > 18*60 {
		return fmt.Errorf("field '%s' is outside business hours (07:00-18:00)", field)
	}
	return nil
}

func (v *Validator) weekday(_ context.Context, field string, value interface{}) error {
	t, ok := asInstant(value, v.loc)
	if !ok {
		return nil
	}
	switch t.In(v.loc).Weekday() {
	case time.Saturday, time.Sunday:
		return fmt.Errorf("field '%s' falls on a weekend", field)
	}
	return nil
}

// horizonWarnings flags dates implausibly far from now.
func (v *Validator) horizonWarnings(field string, value interface{}) []string {
	t, ok := asInstant(value, v.loc)
	if !ok {
		return nil
	}
	now := v.now()
	switch {
	case t.After(now.AddDate(1, 0, 0)):
		return []string{fmt.Sprintf("field '%s' is more than a year in the future", field)}
	case t.Before(now.AddDate(-10, 0, 0)):
		return []string{fmt.Sprintf("field '%s' is more than 10 years in the past", field)}
	}
	return nil
}
