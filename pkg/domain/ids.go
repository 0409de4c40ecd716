package domain

import (
	"github.com/google/uuid"

	dErrors "regradar/pkg/domain-errors"
)

// Typed IDs keep the entity graph honest at compile time: a VersionID can
// never be passed where a DocumentID is expected. Construct via the Parse*
// functions at trust boundaries; direct casting bypasses validation.
type (
	SourceID      uuid.UUID
	DocumentID    uuid.UUID
	VersionID     uuid.UUID
	ChangeEventID uuid.UUID
	AssessmentID  uuid.UUID
)

func (id SourceID) String() string      { return uuid.UUID(id).String() }
func (id DocumentID) String() string    { return uuid.UUID(id).String() }
func (id VersionID) String() string     { return uuid.UUID(id).String() }
func (id ChangeEventID) String() string { return uuid.UUID(id).String() }
func (id AssessmentID) String() string  { return uuid.UUID(id).String() }

func (id SourceID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id DocumentID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id VersionID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ChangeEventID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id AssessmentID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }

// parseUUID enforces the shared invariant: IDs must be valid, non-nil UUIDs.
func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id is not a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be the nil UUID")
	}
	return u, nil
}

// ParseSourceID constructs a SourceID from external input.
func ParseSourceID(s string) (SourceID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return SourceID(uuid.Nil), err
	}
	return SourceID(u), nil
}

// ParseDocumentID constructs a DocumentID from external input.
func ParseDocumentID(s string) (DocumentID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return DocumentID(uuid.Nil), err
	}
	return DocumentID(u), nil
}

// ParseVersionID constructs a VersionID from external input.
func ParseVersionID(s string) (VersionID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return VersionID(uuid.Nil), err
	}
	return VersionID(u), nil
}

// ParseChangeEventID constructs a ChangeEventID from external input.
func ParseChangeEventID(s string) (ChangeEventID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return ChangeEventID(uuid.Nil), err
	}
	return ChangeEventID(u), nil
}

// ParseAssessmentID constructs an AssessmentID from external input.
func ParseAssessmentID(s string) (AssessmentID, error) {
	u, err := parseUUID(s)
	if err != nil {
		return AssessmentID(uuid.Nil), err
	}
	return AssessmentID(u), nil
}

// NewSourceID returns a fresh random SourceID.
func NewSourceID() SourceID { return SourceID(uuid.New()) }

// NewDocumentID returns a fresh random DocumentID.
func NewDocumentID() DocumentID { return DocumentID(uuid.New()) }

// NewVersionID returns a fresh random VersionID.
func NewVersionID() VersionID { return VersionID(uuid.New()) }

// NewChangeEventID returns a fresh random ChangeEventID.
func NewChangeEventID() ChangeEventID { return ChangeEventID(uuid.New()) }

// NewAssessmentID returns a fresh random AssessmentID.
func NewAssessmentID() AssessmentID { return AssessmentID(uuid.New()) }
