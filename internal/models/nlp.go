// internal/models/nlp.go
package models

import "sort"

// Intent is the classified purpose of one request. It is created once and
// never modified.
type Intent struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

const (
	IntentMaintenanceScheduling = "maintenance_scheduling"
	IntentVehicleReservation    = "vehicle_reservation"
	IntentVehicleOperations     = "vehicle_operations"
	IntentParkingAssignment     = "parking_assignment"
	IntentStatusInquiry         = "status_inquiry"
	IntentUnknown               = "unknown"
)

// KnownIntents seeds the classifier prompt. The vocabulary is open: labels
// outside this list are accepted as long as a template declares them.
var KnownIntents = []string{
	IntentMaintenanceScheduling,
	IntentVehicleReservation,
	IntentVehicleOperations,
	IntentParkingAssignment,
	IntentStatusInquiry,
}

type EntityValue struct {
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
}

// EntityBag maps field names to extracted values. Confidence is the bag's
// aggregate, which may differ from any single field's confidence.
type EntityBag struct {
	Fields     map[string]EntityValue `json:"fields"`
	Confidence float64                `json:"confidence"`
}

func NewEntityBag(confidence float64) EntityBag {
	return EntityBag{Fields: make(map[string]EntityValue), Confidence: confidence}
}

// Lookup returns the value for name. Present is false when the field is
// absent; a present field may still hold nil.
func (b EntityBag) Lookup(name string) (value interface{}, confidence float64, present bool) {
	ev, ok := b.Fields[name]
	if !ok {
		return nil, 0, false
	}
	return ev.Value, ev.Confidence, true
}

// Names returns field names in lexical order.
func (b EntityBag) Names() []string {
	names := make([]string, 0, len(b.Fields))
	for k := range b.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Values flattens the bag to name -> value.
func (b EntityBag) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(b.Fields))
	for k, v := range b.Fields {
		out[k] = v.Value
	}
	return out
}

// Clone returns a bag that shares no map with b.
func (b EntityBag) Clone() EntityBag {
	out := EntityBag{Fields: make(map[string]EntityValue, len(b.Fields)), Confidence: b.Confidence}
	for k, v := range b.Fields {
		out.Fields[k] = v
	}
	return out
}

// WithOverrides returns a copy of b with human-supplied values merged in.
// Overridden fields carry confidence 1.
func (b EntityBag) WithOverrides(overrides map[string]interface{}) EntityBag {
	out := b.Clone()
	for k, v := range overrides {
		out.Fields[k] = EntityValue{Value: v, Confidence: 1}
	}
	return out
}

// MinFieldConfidence returns the lowest per-field confidence, or ok=false for
// an empty bag.
func (b EntityBag) MinFieldConfidence() (float64, bool) {
	if len(b.Fields) == 0 {
		return 0, false
	}
	lowest := 1.0
	for _, v := range b.Fields {
		if v.Confidence < lowest {
			lowest = v.Confidence
		}
	}
	return lowest, true
}

type Recommendation string

const (
	RecommendProceed         Recommendation = "proceed"
	RecommendRequireApproval Recommendation = "require_approval"
	RecommendReject          Recommendation = "reject"
)

func (r Recommendation) Valid() bool {
	switch r {
	case RecommendProceed, RecommendRequireApproval, RecommendReject:
		return true
	}
	return false
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// ReasoningResult is the risk assessment for one interpretation. Steps are
// kept in order for audit.
type ReasoningResult struct {
	Steps          []string       `json:"reasoning_steps"`
	Conclusion     string         `json:"conclusion"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	RiskLevel      RiskLevel      `json:"risk_level"`
}
