package ingest

import (
	"strings"
	"unicode"

	"github.com/making-something/articon-dispatch/internal/apperr"
)

// Field is a logical column a recipient export must provide.
type Field string

const (
	FieldID       Field = "id"
	FieldName     Field = "name"
	FieldContact  Field = "contact address"
	FieldApproval Field = "approval status"
)

// RequiredFields lists the fields every export must carry, in report order.
var RequiredFields = []Field{FieldID, FieldName, FieldContact, FieldApproval}

// Aliases maps each field to the normalized header spellings it accepts.
type Aliases map[Field][]string

// EmailAliases accepts the headers seen in registration exports where the
// contact column is an email address.
var EmailAliases = Aliases{
	FieldID:       {"id", "participantid", "recipientid", "uid"},
	FieldName:     {"name", "fullname", "displayname", "participantname"},
	FieldContact:  {"email", "emailaddress", "mail", "contact", "contactaddress"},
	FieldApproval: {"approvalstatus", "approval", "approvalstate"},
}

// PhoneAliases accepts exports where the contact column is a WhatsApp number.
var PhoneAliases = Aliases{
	FieldID:       EmailAliases[FieldID],
	FieldName:     EmailAliases[FieldName],
	FieldContact:  {"phone", "phonenumber", "whatsapp", "whatsappnumber", "mobile", "contact", "contactaddress"},
	FieldApproval: EmailAliases[FieldApproval],
}

// Columns records the column index resolved for each field.
type Columns map[Field]int

// Cell returns the value of field in row, or "" when the row is short.
func (c Columns) Cell(row Row, field Field) string {
	idx, ok := c[field]
	if !ok || idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// MatchHeader resolves every required field against header. The first column
// matching a field wins. A field with no matching column yields a schema error
// naming it.
func MatchHeader(header Row, aliases Aliases) (Columns, error) {
	normalized := make([]string, len(header))
	for i, h := range header {
		normalized[i] = NormalizeHeader(h)
	}

	cols := Columns{}
	for _, field := range RequiredFields {
		idx := -1
		for i, h := range normalized {
			if containsString(aliases[field], h) {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, apperr.Schema(string(field), header)
		}
		cols[field] = idx
	}
	return cols, nil
}

// NormalizeHeader lowercases h and drops spaces, underscores, hyphens and
// dots so "Approval Status", "approval_status" and "E-mail" compare equal to
// their compact forms.
func NormalizeHeader(h string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(h)) {
		if unicode.IsSpace(r) || r == '_' || r == '-' || r == '.' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
