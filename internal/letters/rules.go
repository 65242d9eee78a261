package letters

import "github.com/pitabwire/detention-letters/model"

// gradeAluminum is the grade code for aluminized steel.
const gradeAluminum = "al"

// minPartNumberLen is the length a normalized part number must exceed
// before any coded rule is consulted.
const minPartNumberLen = 3

// DefaultFamilies maps whole product families to a letter, bypassing
// part-number decoding. Keys are compared after trimming, case-sensitively.
func DefaultFamilies() map[string]model.LetterType {
	return map[string]model.LetterType{
		"CMP Detention":                  model.LetterCMPDetention,
		"CMP Detention - Voidsaver":      model.LetterCMPDetention,
		"CMP Detention - xFiltration":    model.LetterCMPDetention,
		"DuroMaxx Containment Tank":      model.LetterDuroMaxxContainmentTankNotification,
		"DuroMaxx Detention":             model.LetterDuroMaxxDetention,
		"DuroMaxx Detention - VoidSaver": model.LetterDuroMaxxDetention,
		"UrbanGreen SRPE Cistern":        model.LetterDuroMaxxCisternRWH,
		"DuroMaxx Sewer":                 model.LetterDuroMaxxSewer,
	}
}

// DefaultRules is the coded part-number table, evaluated in order.
//
// Corrugation "5" shares the 71/101 limits of "3", and "s" shares the 59/77
// limits of "2".
func DefaultRules() []Rule {
	corrugated := map[string]Limit{
		"2": {Aluminum: 59, Other: 77},
		"3": {Aluminum: 71, Other: 101},
		"5": {Aluminum: 71, Other: 101},
		"s": {Aluminum: 59, Other: 77},
	}

	return []Rule{
		{
			Name:      "helical",
			Prefixes:  []string{"hp", "hc", "he"},
			MinLen:    10,
			Key:       Segment{2, 3},
			Grade:     Segment{3, 5},
			Gage:      Segment{6, 8},
			Diameters: []Segment{{8, 11}},
			Limits:    corrugated,
			Letter:    model.LetterCMPLargeDiameter,
		},
		{
			Name:      "riveted",
			Prefixes:  []string{"rp", "re", "rh"},
			MinLen:    10,
			Key:       Segment{2, 3},
			Grade:     Segment{3, 5},
			Gage:      Segment{5, 7},
			Diameters: []Segment{{7, 10}},
			Limits:    corrugated,
			Letter:    model.LetterCMPLargeDiameter,
		},
		{
			Name:      "double-wall",
			Prefixes:  []string{"dw", "da"},
			MinLen:    14,
			Key:       Segment{2, 3},
			Diameters: []Segment{{11, 14}},
			Limits: map[string]Limit{
				"2": {Other: 77},
				"3": {Other: 101},
			},
			Letter: model.LetterCMPLargeDiameter,
		},
		{
			Name:      "duromaxx",
			Prefixes:  []string{"xpg"},
			MinLen:    8,
			Diameters: []Segment{{5, 8}},
			Limits:    map[string]Limit{"": {Other: 72}},
			Letter:    model.LetterDuroMaxxLargeDiameter,
		},
		{
			Name:      "urbangreen-underground",
			Prefixes:  []string{"ugu"},
			MinLen:    7,
			Diameters: []Segment{{5, 8}, {5, 7}},
			Limits:    map[string]Limit{"": {Other: 72, Inclusive: true}},
			Letter:    model.LetterDuroMaxxCisternRWH,
		},
		{
			Name:     "urbangreen-surface",
			Prefixes: []string{"ugs"},
			MinLen:   7,
			Always:   true,
			Letter:   model.LetterDuroMaxxCisternRWH,
		},
	}
}
