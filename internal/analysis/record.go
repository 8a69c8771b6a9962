package analysis

import (
	"fmt"
	"strings"
)

// Category names one comparable section of a record.
type Category string

const (
	CategorySkills     Category = "skills"
	CategoryExperience Category = "experience"
	CategoryEducation  Category = "education"
)

// Categories lists every category in report order.
var Categories = []Category{CategorySkills, CategoryExperience, CategoryEducation}

// Role selects which extraction contract applies to a source text.
type Role string

const (
	RoleJobDescription Role = "job_description"
	RoleCandidate      Role = "candidate"
)

func (r Role) Valid() bool {
	return r == RoleJobDescription || r == RoleCandidate
}

// Record is the structured form of a job description or a resume.
// Entries must come from the source text; extraction never invents them.
type Record struct {
	Skills     []string `json:"skills" mapstructure:"skills"`
	Experience []string `json:"experience" mapstructure:"experience"`
	Education  []string `json:"education" mapstructure:"education"`
}

// Items returns the entries of the given category.
func (r *Record) Items(c Category) []string {
	if r == nil {
		return nil
	}

	switch c {
	case CategorySkills:
		return r.Skills
	case CategoryExperience:
		return r.Experience
	case CategoryEducation:
		return r.Education
	default:
		return nil
	}
}

// Len returns the number of entries across all categories.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Skills) + len(r.Experience) + len(r.Education)
}

// Dedupe collapses entries that are equal after trimming and case folding,
// keeping the first occurrence and the original order.
func (r *Record) Dedupe() {
	if r == nil {
		return
	}
	r.Skills = dedupe(r.Skills)
	r.Experience = dedupe(r.Experience)
	r.Education = dedupe(r.Education)
}

// Normalize returns the comparison key of an entry.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	result := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := Normalize(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, item)
	}
	return result
}

// Match pairs a requirement with the candidate entry accepted as equivalent.
type Match struct {
	Requirement string  `json:"requirement"`
	Evidence    string  `json:"evidence"`
	Score       float64 `json:"score"`
}

// Entry is the reconciliation result for one category.
type Entry struct {
	Matched []Match  `json:"matched"`
	Missing []string `json:"missing"`
	Extra   []string `json:"extra"`
}

// NewEntry returns an entry with non-nil slices so it serializes as empty arrays.
func NewEntry() Entry {
	return Entry{
		Matched: []Match{},
		Missing: []string{},
		Extra:   []string{},
	}
}

// MatchedRequirements returns the requirement side of every match in order.
func (e Entry) MatchedRequirements() []string {
	result := make([]string, 0, len(e.Matched))
	for _, m := range e.Matched {
		result = append(result, m.Requirement)
	}
	return result
}

// MatchedEvidence returns the candidate side of every match in order.
func (e Entry) MatchedEvidence() []string {
	result := make([]string, 0, len(e.Matched))
	for _, m := range e.Matched {
		result = append(result, m.Evidence)
	}
	return result
}

// Report is the final reconciliation output. Every category is always present.
type Report struct {
	Skills     Entry `json:"skills"`
	Experience Entry `json:"experience"`
	Education  Entry `json:"education"`
}

// NewReport returns a report with every category initialized.
func NewReport() *Report {
	return &Report{
		Skills:     NewEntry(),
		Experience: NewEntry(),
		Education:  NewEntry(),
	}
}

// Entry returns the entry for the category.
func (r *Report) Entry(c Category) Entry {
	switch c {
	case CategorySkills:
		return r.Skills
	case CategoryExperience:
		return r.Experience
	case CategoryEducation:
		return r.Education
	default:
		return NewEntry()
	}
}

// Set stores the entry for the category.
func (r *Report) Set(c Category, e Entry) error {
	switch c {
	case CategorySkills:
		r.Skills = e
	case CategoryExperience:
		r.Experience = e
	case CategoryEducation:
		r.Education = e
	default:
		return fmt.Errorf("unknown category %q", c)
	}
	return nil
}
