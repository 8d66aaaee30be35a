// Package resendlock limits how often a one-time passcode may be sent for a
// given phone number and action. The lock is a persisted expiry timestamp so
// it survives app restarts; the countdown shown to the user is derived from
// it.
package resendlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RecordVersion is the schema version written by this package.
const RecordVersion = 1

var (
	// ErrUnknownVersion is returned for records written by a newer schema.
	ErrUnknownVersion = errors.New("unknown resend lock record version")
	// ErrSubjectMismatch is returned when a stored record names another subject.
	ErrSubjectMismatch = errors.New("resend lock record subject mismatch")
)

// Record is the persisted form of one resend lock.
type Record struct {
	Version         int    `json:"v"`
	SubjectKey      string `json:"subject"`
	ExpiresAtMillis int64  `json:"expires_at_ms"`
}

// SubjectKey scopes a lock to a phone number and OTP action,
// e.g. "0922982986|delete_account".
func SubjectKey(phone, action string) string {
	return strings.TrimSpace(phone) + "|" + action
}

// EncodeRecord serialises r as JSON, stamping the current version.
func EncodeRecord(r Record) (string, error) {
	r.Version = RecordVersion
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode resend lock record: %w", err)
	}
	return string(b), nil
}

// DecodeRecord parses raw and checks it belongs to subjectKey.
func DecodeRecord(subjectKey, raw string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Record{}, fmt.Errorf("decode resend lock record: %w", err)
	}
	if r.Version != RecordVersion {
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownVersion, r.Version)
	}
	if r.SubjectKey != subjectKey {
		return Record{}, ErrSubjectMismatch
	}
	return r, nil
}

// remainingSeconds is ceil((expiresAt-now)/1000), floored at zero.
func remainingSeconds(expiresAtMillis, nowMillis int64) int {
	diff := expiresAtMillis - nowMillis
	if diff <= 0 {
		return 0
	}
	return int((diff + 999) / 1000)
}
