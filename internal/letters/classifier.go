// Package letters decides which installation letters a sales order needs,
// from product families and coded part numbers.
package letters

import (
	"strconv"
	"strings"

	"github.com/pitabwire/detention-letters/model"
)

// Segment is a half-open byte range [Start, End) of a part number. The zero
// Segment means the field is absent.
type Segment struct {
	Start int
	End   int
}

func (s Segment) present() bool {
	return s.End > s.Start
}

// slice returns the segment text, or false when the part number is too short.
func (s Segment) slice(pn string) (string, bool) {
	if s.Start < 0 || s.End > len(pn) {
		return "", false
	}
	return pn[s.Start:s.End], true
}

// Limit is the diameter a part must exceed to need the rule's letter.
type Limit struct {
	Aluminum  int
	Other     int
	Inclusive bool
}

func (l Limit) reached(diameter int, aluminum bool) bool {
	threshold := l.Other
	if aluminum {
		threshold = l.Aluminum
	}
	if l.Inclusive {
		return diameter >= threshold
	}
	return diameter > threshold
}

// Rule decodes one family of coded part numbers.
type Rule struct {
	Name     string
	Prefixes []string
	MinLen   int

	// Key selects an entry of Limits. Rules without a key use Limits[""].
	Key   Segment
	Grade Segment
	Gage  Segment

	// Diameters are tried in order; the first that fits the part number is
	// used.
	Diameters []Segment
	Limits    map[string]Limit

	// Always fires on a prefix match without decoding any field.
	Always bool
	Letter model.LetterType
}

func (r Rule) matchesPrefix(pn string) bool {
	for _, p := range r.Prefixes {
		if strings.HasPrefix(pn, p) {
			return true
		}
	}
	return false
}

func (r Rule) diameter(pn string) (int, bool) {
	for _, seg := range r.Diameters {
		raw, ok := seg.slice(pn)
		if !ok {
			continue
		}
		d, err := strconv.Atoi(raw)
		if err != nil {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

// Match describes how a product line was classified.
type Match struct {
	Letter   model.LetterType `json:"letter,omitempty"`
	Matched  bool             `json:"matched"`
	Family   bool             `json:"family,omitempty"`
	Rule     string           `json:"rule,omitempty"`
	Key      string           `json:"key,omitempty"`
	Grade    string           `json:"grade,omitempty"`
	Gage     string           `json:"gage,omitempty"`
	Diameter int              `json:"diameter,omitempty"`
}

func (r Rule) apply(pn string) Match {
	m := Match{Rule: r.Name}
	if len(pn) < r.MinLen || !r.matchesPrefix(pn) {
		return Match{}
	}
	if r.Always {
		m.Letter, m.Matched = r.Letter, true
		return m
	}

	if r.Key.present() {
		k, ok := r.Key.slice(pn)
		if !ok {
			return Match{}
		}
		m.Key = k
	}
	limit, ok := r.Limits[m.Key]
	if !ok {
		return Match{}
	}

	if r.Grade.present() {
		g, ok := r.Grade.slice(pn)
		if !ok {
			return Match{}
		}
		m.Grade = g
	}
	if r.Gage.present() {
		m.Gage, _ = r.Gage.slice(pn)
	}

	d, ok := r.diameter(pn)
	if !ok {
		return Match{}
	}
	m.Diameter = d

	if !limit.reached(d, m.Grade == gradeAluminum) {
		return Match{}
	}
	m.Letter, m.Matched = r.Letter, true
	return m
}

// Classifier maps a product line to at most one letter. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	families map[string]model.LetterType
	rules    []Rule
}

// NewClassifier creates a classifier from a family table and an ordered rule
// list.
func NewClassifier(families map[string]model.LetterType, rules []Rule) *Classifier {
	fam := make(map[string]model.LetterType, len(families))
	for k, v := range families {
		fam[strings.TrimSpace(k)] = v
	}
	return &Classifier{
		families: fam,
		rules:    append([]Rule(nil), rules...),
	}
}

// NewDefaultClassifier creates a classifier with the built-in tables.
func NewDefaultClassifier() *Classifier {
	return NewClassifier(DefaultFamilies(), DefaultRules())
}

// Classify returns the letter required by line, if any.
func (c *Classifier) Classify(line model.OrderProductLine) (model.LetterType, bool) {
	m := c.Explain(line)
	return m.Letter, m.Matched
}

// Explain classifies line and reports which table entry decided it. Family
// matches win over part-number rules, and the first firing rule wins.
func (c *Classifier) Explain(line model.OrderProductLine) Match {
	if lt, ok := c.families[strings.TrimSpace(line.ProductFamily)]; ok {
		return Match{Letter: lt, Matched: true, Family: true}
	}

	pn := strings.ToLower(strings.TrimSpace(line.PartNumber))
	if len(pn) <= minPartNumberLen {
		return Match{}
	}
	for _, r := range c.rules {
		if m := r.apply(pn); m.Matched {
			return m
		}
	}
	return Match{}
}
