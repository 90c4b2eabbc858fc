package referral

import (
	"strings"
	"time"
)

// Status is the triage state of a referral. The transition graph is
// unconstrained: staff may move a referral from any status to any other,
// including back to RECEIVED or to the status it already has.
type Status string

const (
	StatusReceived Status = "RECEIVED"
	StatusInReview Status = "IN_REVIEW"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

var validStatuses = map[Status]bool{
	StatusReceived: true, StatusInReview: true, StatusAccepted: true, StatusRejected: true,
}

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	return validStatuses[s]
}

// Label is the lower-case, space separated form shown to referrers.
func (s Status) Label() string {
	return strings.ToLower(strings.ReplaceAll(string(s), "_", " "))
}

// ParseStatus converts user input into a Status. Matching is case-insensitive
// and accepts spaces in place of underscores.
func ParseStatus(v string) (Status, bool) {
	s := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(v), " ", "_")))
	return s, s.Valid()
}

// ServiceCode identifies a requested home-health service.
type ServiceCode string

const (
	ServiceSkilledNursing            ServiceCode = "skilledNursing"
	ServicePhysicalTherapy           ServiceCode = "physicalTherapy"
	ServiceOccupationalTherapy       ServiceCode = "occupationalTherapy"
	ServiceSpeechTherapy             ServiceCode = "speechTherapy"
	ServiceHomeHealthAide            ServiceCode = "homeHealthAide"
	ServiceMedicalSocialWorker       ServiceCode = "medicalSocialWorker"
	ServiceProviderAttendantServices ServiceCode = "providerAttendantServices"
	ServiceOther                     ServiceCode = "other"
)

var serviceLabels = map[ServiceCode]string{
	ServiceSkilledNursing:            "Skilled Nursing",
	ServicePhysicalTherapy:           "Physical Therapy",
	ServiceOccupationalTherapy:       "Occupational Therapy",
	ServiceSpeechTherapy:             "Speech Therapy",
	ServiceHomeHealthAide:            "Home Health Aide",
	ServiceMedicalSocialWorker:       "Medical Social Worker",
	ServiceProviderAttendantServices: "Provider Attendant Services",
	ServiceOther:                     "Other",
}

// Valid reports whether c belongs to the service vocabulary.
func (c ServiceCode) Valid() bool {
	_, ok := serviceLabels[c]
	return ok
}

// Label returns the display name of the service.
func (c ServiceCode) Label() string {
	if l, ok := serviceLabels[c]; ok {
		return l
	}
	return string(c)
}

// Fields is the normalized form payload of a referral.
type Fields struct {
	// Referrer
	OrganizationName string `json:"organizationName"`
	ContactName      string `json:"contactName"`
	Phone            string `json:"phone"`
	Email            string `json:"email,omitempty"`

	// Patient
	PatientFullName string `json:"patientFullName"`
	// PatientDOB is kept as the submitted calendar-date string. It is a
	// lookup key for the public status check and is never parsed.
	PatientDOB     string `json:"patientDOB"`
	PatientAddress string `json:"patientAddress,omitempty"`
	PatientZipCode string `json:"patientZipCode"`
	PCPName        string `json:"pcpName,omitempty"`
	PCPPhone       string `json:"pcpPhone,omitempty"`
	SurgeryDate    string `json:"surgeryDate,omitempty"`
	CovidStatus    string `json:"covidStatus,omitempty"`

	// Insurance
	PrimaryInsurance string `json:"primaryInsurance"`
	MemberID         string `json:"memberId,omitempty"`
	InsuranceType    string `json:"insuranceType,omitempty"`
	PlanName         string `json:"planName,omitempty"`
	PlanNumber       string `json:"planNumber,omitempty"`
	GroupNumber      string `json:"groupNumber,omitempty"`

	// Clinical
	ServicesNeeded []ServiceCode `json:"servicesNeeded"`
	Diagnosis      string        `json:"diagnosis"`
}

// Document is metadata for an attachment stored in the blob namespace.
type Document struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

type StatusChange struct {
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
	Notes     string    `json:"notes,omitempty"`
}

type InternalNote struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// AISummary is advisory triage metadata from the text-generation service.
type AISummary struct {
	SuggestedCategories []string `json:"suggestedCategories"`
	Reasoning           string   `json:"reasoning"`
}

// Referral is one patient-care request tracked from intake to decision.
type Referral struct {
	ID string `json:"id"`
	Fields
	Documents     []Document     `json:"documents"`
	Status        Status         `json:"status"`
	StatusHistory []StatusChange `json:"statusHistory"`
	InternalNotes []InternalNote `json:"internalNotes"`
	AISummary     *AISummary     `json:"aiSummary,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Author names used for notes that do not come from an authenticated user.
const (
	AuthorReferrer = "Referrer/Patient"
	AuthorStaff    = "Staff Member"
)

func newReferral(id string, f Fields, docs []Document, summary *AISummary, now time.Time) *Referral {
	if docs == nil {
		docs = []Document{}
	}
	return &Referral{
		ID:            id,
		Fields:        f,
		Documents:     docs,
		Status:        StatusReceived,
		StatusHistory: []StatusChange{{Status: StatusReceived, ChangedAt: now}},
		InternalNotes: []InternalNote{},
		AISummary:     summary,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r *Referral) applyStatus(s Status, notes string, now time.Time) {
	r.Status = s
	r.StatusHistory = append(r.StatusHistory, StatusChange{Status: s, ChangedAt: now, Notes: notes})
	r.UpdatedAt = now
}

func (r *Referral) appendNote(n InternalNote) {
	r.InternalNotes = append(r.InternalNotes, n)
	r.UpdatedAt = n.CreatedAt
}

// Clone returns a deep copy of r.
func (r *Referral) Clone() *Referral {
	if r == nil {
		return nil
	}
	out := *r
	out.ServicesNeeded = append([]ServiceCode(nil), r.ServicesNeeded...)
	out.Documents = append([]Document{}, r.Documents...)
	out.StatusHistory = append([]StatusChange{}, r.StatusHistory...)
	out.InternalNotes = append([]InternalNote{}, r.InternalNotes...)
	if r.AISummary != nil {
		s := *r.AISummary
		s.SuggestedCategories = append([]string(nil), r.AISummary.SuggestedCategories...)
		out.AISummary = &s
	}
	return &out
}

// StatusResult is what the public status check reveals about a referral.
type StatusResult struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
	NoteAdded bool      `json:"noteAdded"`
}

// SearchParams filters the staff search endpoint.
type SearchParams struct {
	Status Status
	// Query matches patient or organization name, case-insensitively.
	Query  string
	Limit  int
	Offset int
}
