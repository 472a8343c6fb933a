package domain

import "github.com/smallbiznis/carehub/internal/docstore"

const (
	StatusActive     = "Active"
	StatusArchived   = "Archived"
	StatusDischarged = "Discharged"
)

// Field names written only by the service.
const (
	FieldID           = "id"
	FieldStatus       = "Status"
	FieldCreatedAt    = "createdAt"
	FieldCreatedBy    = "createdBy"
	FieldUpdatedAt    = "updatedAt"
	FieldUpdatedBy    = "updatedBy"
	FieldArchivedAt   = "archivedAt"
	FieldArchivedBy   = "archivedBy"
	FieldDischargedAt = "DischargedAt"
)

// Client unit bank.
const (
	FieldAuthUnitsTotal     = "Auth_Units_Total"
	FieldAuthUnitsRemaining = "Auth_Units_Remaining"
)

const (
	BroadcastAudience = "All Field Staff"
	BroadcastSeverity = "High"
)

// ProvenanceFields are stripped from caller input before every write.
var ProvenanceFields = []string{
	FieldID,
	FieldCreatedAt,
	FieldCreatedBy,
	FieldUpdatedAt,
	FieldUpdatedBy,
	FieldArchivedAt,
	FieldArchivedBy,
	FieldDischargedAt,
}

type CreateRequest struct {
	Category string
	Fields   docstore.Fields
}

type UpdateRequest struct {
	Category string
	ID       string
	Fields   docstore.Fields
}

type ArchiveRequest struct {
	Category string
	ID       string
}
