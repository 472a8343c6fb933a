// Package registry is the static catalogue of console modules. Each module
// except the dashboard is backed by a collection of the same name.
package registry

import "strings"

type Group string

const (
	GroupSystem    Group = "SYSTEM"
	GroupClinical  Group = "CLINICAL"
	GroupHR        Group = "HR"
	GroupLogistics Group = "LOGISTICS"
	GroupFinance   Group = "FINANCE"
	GroupPortals   Group = "PORTALS"
)

// Collection names used by workflows.
const (
	Dashboard    = "dashboard"
	Clients      = "clients"
	Staff        = "staff"
	EVV          = "evv"
	Broadcast    = "broadcast"
	Attendance   = "attendance"
	Scheduling   = "scheduling"
	Timeclock    = "timeclock"
	Billing      = "billing"
	Payroll      = "payroll"
	Users        = "users"
	Assessments  = "assessments"
	CarePlans    = "care_plans"
	Vitals       = "vitals"
	Referrals    = "referral_portal"
	Training     = "training"
	Applicants   = "applicants"
	FamilyPortal = "family_portal"
	Settings     = "settings"
)

type Descriptor struct {
	ID     string   `json:"id"`
	Label  string   `json:"label"`
	Group  Group    `json:"group"`
	Fields []string `json:"fields"`
}

// IsCollection reports whether the module is backed by a collection.
func (d Descriptor) IsCollection() bool {
	return d.ID != Dashboard
}

var modules = []Descriptor{
	{ID: Dashboard, Label: "COMMAND CENTER", Group: GroupSystem},
	{ID: Clients, Label: "CLIENT CENSUS", Group: GroupClinical, Fields: []string{"Name", "Medicaid_ID", "Care_Level", "Diagnosis", "Auth_Units_Total", "Auth_Units_Remaining", "Status"}},
	{ID: Assessments, Label: "NURSE ASSESSMENTS", Group: GroupClinical, Fields: []string{"Client", "Nurse", "Assessment_Type", "Risk_Score", "Notes", "Status"}},
	{ID: CarePlans, Label: "CARE PLANS", Group: GroupClinical, Fields: []string{"Client", "Primary_Goal", "Interventions", "Review_Date", "Status"}},
	{ID: Vitals, Label: "VITALS LOG", Group: GroupClinical, Fields: []string{"Client", "BP", "HR", "Temp", "O2", "Notes"}},
	{ID: Referrals, Label: "REFERRALS", Group: GroupClinical, Fields: []string{"Referrer", "Patient", "Insurance", "Status", "Notes"}},
	{ID: Staff, Label: "CAREGIVER FLEET", Group: GroupHR, Fields: []string{"Name", "Role", "Phone", "License_Exp", "Status"}},
	{ID: Attendance, Label: "ATTENDANCE", Group: GroupHR, Fields: []string{"Staff", "Type", "Reason", "Note", "Date"}},
	{ID: Training, Label: "LMS ACADEMY", Group: GroupHR, Fields: []string{"Staff", "Course", "Completion", "Expiry"}},
	{ID: Applicants, Label: "HIRING PIPELINE", Group: GroupHR, Fields: []string{"Name", "Role", "Stage", "Interview_Date"}},
	{ID: EVV, Label: "EVV TRACKING", Group: GroupLogistics, Fields: []string{"Visit_ID", "Staff", "Client", "GPS_Coords", "Status"}},
	{ID: Scheduling, Label: "MASTER MATRIX", Group: GroupLogistics, Fields: []string{"Client", "Staff", "Shift_Day", "Time_Slot", "Notes"}},
	{ID: Timeclock, Label: "TIMECLOCK", Group: GroupLogistics, Fields: []string{"Staff", "Action", "Location", "Time"}},
	{ID: Billing, Label: "REVENUE CYCLE", Group: GroupFinance, Fields: []string{"Claim_ID", "Payer", "Amount", "Status", "Service_Date", "Notes"}},
	{ID: Payroll, Label: "PAYROLL", Group: GroupFinance, Fields: []string{"Staff", "Hours_Reg", "Hours_OT", "Total_Pay", "Status"}},
	{ID: FamilyPortal, Label: "FAMILY PORTAL", Group: GroupPortals, Fields: []string{"Family_User", "Client_Link", "Access_Level", "Status"}},
	{ID: Broadcast, Label: "ALERTS", Group: GroupSystem, Fields: []string{"Message", "Audience", "Severity"}},
	{ID: Settings, Label: "CONFIG", Group: GroupSystem, Fields: []string{"Setting", "Value"}},
}

// CoreCategories are watched for the whole of an active session regardless
// of which module has focus.
var CoreCategories = []string{Clients, Staff, EVV, Broadcast, Attendance, Scheduling}

var index = func() map[string]int {
	out := make(map[string]int, len(modules))
	for i, m := range modules {
		out[m.ID] = i
	}
	return out
}()

// All returns every descriptor in display order, the default first.
func All() []Descriptor {
	out := make([]Descriptor, len(modules))
	for i, m := range modules {
		out[i] = clone(m)
	}
	return out
}

// Default is the module shown when nothing else is selected.
func Default() Descriptor {
	return clone(modules[0])
}

// Lookup returns the descriptor for id, or Default when id is unknown.
func Lookup(id string) Descriptor {
	if i, ok := index[strings.TrimSpace(id)]; ok {
		return clone(modules[i])
	}
	return Default()
}

// Find is Lookup without the fallback.
func Find(id string) (Descriptor, bool) {
	i, ok := index[strings.TrimSpace(id)]
	if !ok {
		return Descriptor{}, false
	}
	return clone(modules[i]), true
}

// IsCategory reports whether id names a collection-backed module.
func IsCategory(id string) bool {
	d, ok := Find(id)
	return ok && d.IsCollection()
}

// Categories lists every collection-backed module id in display order.
func Categories() []string {
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		if m.IsCollection() {
			out = append(out, m.ID)
		}
	}
	return out
}

func clone(d Descriptor) Descriptor {
	d.Fields = append([]string(nil), d.Fields...)
	return d
}
