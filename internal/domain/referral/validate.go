package referral

import (
	"fmt"
	"mime"
	"net/http"
	"net/mail"
	"strings"
)

// Attachment form fields. The split is a UI grouping only; both end up in
// the same documents list.
const (
	FieldReferralDocuments = "referralDocuments"
	FieldProgressNotes     = "progressNotes"
)

// AcceptedContentTypes is the attachment allow-list.
var AcceptedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
}

// Attachment is one uploaded file held in memory until it is stored.
type Attachment struct {
	Field       string
	Name        string
	ContentType string
	Data        []byte
}

func (a Attachment) Size() int64 { return int64(len(a.Data)) }

// Limits configures the attachment checks.
type Limits struct {
	// MaxTotalBytes caps the combined size of every attachment in a submission.
	MaxTotalBytes int64
}

var requiredFields = []struct {
	name string
	msg  string
}{
	{"organizationName", "Organization or facility name is required."},
	{"contactName", "Contact name is required."},
	{"phone", "Phone number is required."},
	{"patientFullName", "Patient full name is required."},
	{"patientDOB", "Date of birth is required."},
	{"patientZipCode", "ZIP code is required."},
	{"primaryInsurance", "Primary insurance is required."},
	{"diagnosis", "Diagnosis is required."},
}

// ValidateSubmission checks raw form values and attachments and returns the
// normalized field bag. A nil *ValidationError means the input is acceptable.
// Attachment content types are resolved in place.
func ValidateSubmission(form map[string][]string, files []Attachment, limits Limits) (Fields, *ValidationError) {
	verr := &ValidationError{}
	get := func(name string) string {
		if vs := form[name]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}

	for _, rf := range requiredFields {
		if get(rf.name) == "" {
			verr.add(rf.name, rf.msg)
		}
	}

	email := get("email")
	if email != "" && !validEmail(email) {
		verr.add("email", "Please enter a valid email address.")
	}

	zip := get("patientZipCode")
	if zip != "" && len(zip) != 5 {
		verr.add("patientZipCode", "ZIP code must be 5 characters.")
	}

	services := parseServices(form["servicesNeeded"], verr)

	validateAttachments(files, limits, verr)

	if len(verr.Fields) > 0 {
		return Fields{}, verr
	}

	return Fields{
		OrganizationName: get("organizationName"),
		ContactName:      get("contactName"),
		Phone:            get("phone"),
		Email:            email,
		PatientFullName:  get("patientFullName"),
		PatientDOB:       get("patientDOB"),
		PatientAddress:   get("patientAddress"),
		PatientZipCode:   zip,
		PCPName:          get("pcpName"),
		PCPPhone:         get("pcpPhone"),
		SurgeryDate:      get("surgeryDate"),
		CovidStatus:      get("covidStatus"),
		PrimaryInsurance: get("primaryInsurance"),
		MemberID:         get("memberId"),
		InsuranceType:    get("insuranceType"),
		PlanName:         get("planName"),
		PlanNumber:       get("planNumber"),
		GroupNumber:      get("groupNumber"),
		ServicesNeeded:   services,
		Diagnosis:        get("diagnosis"),
	}, nil
}

func validEmail(v string) bool {
	addr, err := mail.ParseAddress(v)
	return err == nil && addr.Address == v
}

func parseServices(raw []string, verr *ValidationError) []ServiceCode {
	seen := make(map[ServiceCode]bool)
	var out []ServiceCode
	for _, v := range raw {
		// Checkbox groups may arrive as repeated keys or one comma list.
		for _, part := range strings.Split(v, ",") {
			code := ServiceCode(strings.TrimSpace(part))
			if code == "" {
				continue
			}
			if !code.Valid() {
				verr.add("servicesNeeded", fmt.Sprintf("Unknown service %q.", code))
				continue
			}
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	if len(out) == 0 && !verr.Has("servicesNeeded") {
		verr.add("servicesNeeded", "You have to select at least one service.")
	}
	return out
}

func validateAttachments(files []Attachment, limits Limits, verr *ValidationError) {
	var total int64
	for i := range files {
		f := &files[i]
		if f.Size() == 0 {
			continue
		}
		total += f.Size()
		f.ContentType = resolveContentType(f.ContentType, f.Data)
		if !AcceptedContentTypes[f.ContentType] {
			field := f.Field
			if field == "" {
				field = FieldReferralDocuments
			}
			verr.add(field, fmt.Sprintf("%s: only .pdf, .jpg, and .png files are accepted.", f.Name))
		}
	}
	if limits.MaxTotalBytes > 0 && total > limits.MaxTotalBytes {
		verr.add("documents", fmt.Sprintf("Total attachment size must not exceed %s.", formatBytes(limits.MaxTotalBytes)))
	}
}

// resolveContentType normalizes the declared type, sniffing the content when
// the client sent nothing useful.
func resolveContentType(declared string, data []byte) string {
	mt := ""
	if declared != "" {
		if parsed, _, err := mime.ParseMediaType(declared); err == nil {
			mt = strings.ToLower(parsed)
		}
	}
	if mt == "" || mt == "application/octet-stream" {
		mt, _, _ = mime.ParseMediaType(http.DetectContentType(data))
	}
	if mt == "image/jpg" || mt == "image/pjpeg" {
		mt = "image/jpeg"
	}
	return mt
}

func formatBytes(n int64) string {
	const mib = 1024 * 1024
	if n >= mib && n%mib == 0 {
		return fmt.Sprintf("%dMB", n/mib)
	}
	if n >= 1024 && n%1024 == 0 {
		return fmt.Sprintf("%dKB", n/1024)
	}
	return fmt.Sprintf("%d bytes", n)
}

// nonEmpty drops zero-byte parts, which browsers send for empty file inputs.
func nonEmpty(files []Attachment) []Attachment {
	out := make([]Attachment, 0, len(files))
	for _, f := range files {
		if f.Size() > 0 {
			out = append(out, f)
		}
	}
	return out
}
