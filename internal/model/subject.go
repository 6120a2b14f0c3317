package model

import "strings"

// Subject is the academic subject of a set of notes.
type Subject string

const (
	SubjectMathematics     Subject = "Mathematics"
	SubjectPhysics         Subject = "Physics"
	SubjectChemistry       Subject = "Chemistry"
	SubjectBiology         Subject = "Biology"
	SubjectHistory         Subject = "History"
	SubjectEnglish         Subject = "English"
	SubjectGeography       Subject = "Geography"
	SubjectComputerScience Subject = "Computer Science"
	SubjectHealthcare      Subject = "Healthcare"
)

// Subjects is the closed set the classifier may return.
var Subjects = []Subject{
	SubjectMathematics,
	SubjectPhysics,
	SubjectChemistry,
	SubjectBiology,
	SubjectHistory,
	SubjectEnglish,
	SubjectGeography,
	SubjectComputerScience,
	SubjectHealthcare,
}

// LookupSubject matches s case-insensitively against Subjects.
func LookupSubject(s string) (Subject, bool) {
	s = strings.TrimSpace(s)
	for _, subj := range Subjects {
		if strings.EqualFold(s, string(subj)) {
			return subj, true
		}
	}
	return "", false
}
