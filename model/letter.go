package model

import (
	"fmt"
	"strings"
)

// LetterType identifies an installation letter that an order may require.
// Ordinals are persisted by downstream systems and must never be renumbered.
type LetterType int

// Letter types. Value 1 was the retired Armortec submittal and stays reserved.
const (
	LetterUnknown                             LetterType = 0
	LetterCMPDetention                        LetterType = 2
	LetterCMPLargeDiameter                    LetterType = 3
	LetterDuroMaxxCisternRWH                  LetterType = 4
	LetterDuroMaxxContainmentTankNotification LetterType = 5
	LetterDuroMaxxDetention                   LetterType = 6
	LetterDuroMaxxLargeDiameter               LetterType = 7
	LetterDuroMaxxSewer                       LetterType = 8
)

type letterNames struct {
	name   string
	report string
}

var letterTable = map[LetterType]letterNames{
	LetterCMPDetention:                        {"CMPDetention", "CMPDetentionLetter"},
	LetterCMPLargeDiameter:                    {"CMPLargeDiameter", "CMPLargeDiameterLetter"},
	LetterDuroMaxxCisternRWH:                  {"DuroMaxxCisternRWH", "DuroMaxxCisternRWHLetter"},
	LetterDuroMaxxContainmentTankNotification: {"DuroMaxxContainmentTankNotification", "DuroMaxxContainmentTankNotificationLetter"},
	LetterDuroMaxxDetention:                   {"DuroMaxxDetention", "DuroMaxxDetentionLetter"},
	LetterDuroMaxxLargeDiameter:               {"DuroMaxxLargeDiameter", "DuroMaxxLgDiameterLetter"},
	LetterDuroMaxxSewer:                       {"DuroMaxxSewer", "DuroMaxxSewerLetter"},
}

// AllLetterTypes returns every producible letter type in ordinal order.
func AllLetterTypes() []LetterType {
	return []LetterType{
		LetterCMPDetention,
		LetterCMPLargeDiameter,
		LetterDuroMaxxCisternRWH,
		LetterDuroMaxxContainmentTankNotification,
		LetterDuroMaxxDetention,
		LetterDuroMaxxLargeDiameter,
		LetterDuroMaxxSewer,
	}
}

// Valid reports whether t is a producible letter type.
func (t LetterType) Valid() bool {
	_, ok := letterTable[t]
	return ok
}

// String returns the canonical name, e.g. "CMPDetention".
func (t LetterType) String() string {
	if n, ok := letterTable[t]; ok {
		return n.name
	}
	return fmt.Sprintf("LetterType(%d)", int(t))
}

// ReportName returns the name used by the report service and the history
// store, e.g. "DuroMaxxLgDiameterLetter".
func (t LetterType) ReportName() string {
	if n, ok := letterTable[t]; ok {
		return n.report
	}
	return ""
}

// MarshalText encodes the letter type as its canonical name.
func (t LetterType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("letter type %d has no name", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText accepts either the canonical or the report name.
func (t *LetterType) UnmarshalText(b []byte) error {
	parsed, err := ParseLetterType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseLetterType resolves a canonical or report name, case-insensitively.
func ParseLetterType(s string) (LetterType, error) {
	s = strings.TrimSpace(s)
	for t, n := range letterTable {
		if strings.EqualFold(s, n.name) || strings.EqualFold(s, n.report) {
			return t, nil
		}
	}
	return LetterUnknown, fmt.Errorf("unknown letter type %q", s)
}
