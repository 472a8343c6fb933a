package domain

import "time"

const (
	StatusInProgress = "InProgress"
	StatusCompleted  = "Completed"

	GPSVerified = "Verified"
)

// Deduction_Status values. A completed visit moves from pending to applied
// once the client's unit bank has been charged, or to unmatched when no
// client could be resolved.
const (
	DeductionPending   = "pending"
	DeductionApplied   = "applied"
	DeductionUnmatched = "unmatched"
)

const (
	FieldClient             = "Client"
	FieldClientID           = "Client_ID"
	FieldStaff              = "Staff"
	FieldTimeIn             = "Time_In"
	FieldTimeOut            = "Time_Out"
	FieldDurationMinutes    = "Duration_Minutes"
	FieldUnitsBilled        = "Units_Billed"
	FieldGPSStatus          = "GPS_Status"
	FieldDeductionStatus    = "Deduction_Status"
	FieldDeductedClientID   = "Deducted_Client_ID"
	FieldLastDeductionVisit = "Last_Deduction_Visit_ID"
)

// Gap reasons.
const (
	GapUnmatched = "unmatched"
	GapAmbiguous = "ambiguous"
)

// Completion describes what CompleteVisit wrote.
type Completion struct {
	VisitID         string    `json:"visit_id"`
	TimeIn          time.Time `json:"time_in"`
	TimeOut         time.Time `json:"time_out"`
	DurationMinutes int64     `json:"duration_minutes"`
	UnitsBilled     int64     `json:"units_billed"`
	DeductionStatus string    `json:"deduction_status"`
	ClientID        string    `json:"client_id,omitempty"`
	StartingUnits   int64     `json:"starting_units"`
	RemainingUnits  int64     `json:"remaining_units"`

	// Gap is set when the visit completed but no client was charged.
	Gap error `json:"-"`
}

// Deduction is the outcome of charging one visit to a client.
type Deduction struct {
	Status         string
	ClientID       string
	StartingUnits  int64
	RemainingUnits int64
	Gap            error
}
