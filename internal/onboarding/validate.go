package onboarding

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxNameLength        = 100
	maxCompanyNameLength = 200
	maxKeyLength         = 200
)

var registrationNumberPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ./-]{2,63}$`)

// Request is the input to CreateSubscription.
type Request struct {
	Email              string
	FirstName          string
	LastName           string
	CompanyName        string
	RegistrationNumber string

	// PlanCode selects the plan. The default plan is used when empty.
	PlanCode string

	// Locale picks the plan translation returned in the result. Default: en
	Locale string

	// IdempotencyKey identifies the logical onboarding. When empty the key is
	// derived from the email and registration number.
	IdempotencyKey string

	// ResumeToken, from an earlier failed call, resumes that attempt.
	ResumeToken string

	// WantResumeToken asks for a resume token on retryable failures.
	WantResumeToken bool
}

// normalize trims the request and validates it. The returned request holds
// the normalized email and registration number.
func (r Request) normalize() (Request, *Error) {
	n := Request{
		Email:              NormalizeEmail(r.Email),
		FirstName:          strings.TrimSpace(r.FirstName),
		LastName:           strings.TrimSpace(r.LastName),
		CompanyName:        strings.TrimSpace(r.CompanyName),
		RegistrationNumber: NormalizeRegistrationNumber(r.RegistrationNumber),
		PlanCode:           strings.TrimSpace(r.PlanCode),
		Locale:             strings.TrimSpace(r.Locale),
		IdempotencyKey:     strings.TrimSpace(r.IdempotencyKey),
		ResumeToken:        strings.TrimSpace(r.ResumeToken),
		WantResumeToken:    r.WantResumeToken,
	}
	if n.Locale == "" {
		n.Locale = "en"
	}

	fields := make(map[string]string)

	if n.Email == "" {
		fields["email"] = "is required"
	} else if addr, err := mail.ParseAddress(n.Email); err != nil || addr.Address != n.Email {
		fields["email"] = "is not a valid address"
	}

	checkText(fields, "first_name", n.FirstName, maxNameLength)
	checkText(fields, "last_name", n.LastName, maxNameLength)
	checkText(fields, "company_name", n.CompanyName, maxCompanyNameLength)

	if !registrationNumberPattern.MatchString(n.RegistrationNumber) {
		fields["registration_number"] = "must be 3 to 64 letters, digits, spaces, dots, slashes or dashes"
	}

	if n.IdempotencyKey != "" && !validKey(n.IdempotencyKey) {
		fields["idempotency_key"] = "must be 1 to 200 printable ASCII characters"
	}

	if len(fields) > 0 {
		return Request{}, &Error{Kind: KindValidation, Message: "invalid onboarding request", Fields: fields}
	}

	return n, nil
}

func checkText(fields map[string]string, name, value string, limit int) {
	switch {
	case value == "":
		fields[name] = "is required"
	case utf8.RuneCountInString(value) > limit:
		fields[name] = "is too long"
	case strings.IndexFunc(value, unicode.IsControl) >= 0:
		fields[name] = "contains control characters"
	}
}

func validKey(key string) bool {
	if len(key) > maxKeyLength {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return false
		}
	}
	return true
}
