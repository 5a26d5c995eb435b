package model

// Section labels in assembly priority order.
const (
	SectionPersona        = "persona"
	SectionEntities       = "entities"
	SectionEpisodic       = "episodic"
	SectionLongTerm       = "long_term"
	SectionWorkingMemory  = "working_memory"
	SectionRecentMessages = "recent_messages"
)

// Section is one labeled block of assembled context.
type Section struct {
	Label      string `json:"label"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// ContextBundle is the ordered, budget-bounded context handed to inference.
type ContextBundle struct {
	SessionID   string    `json:"session_id,omitempty"`
	TokenBudget int       `json:"token_budget"`
	TokenCount  int       `json:"token_count"`
	Sections    []Section `json:"sections"`
	Degraded    []string  `json:"degraded,omitempty"`
	MemoryIDs   []string  `json:"memory_ids,omitempty"`
}

// Section returns the section with the given label, or nil.
func (b *ContextBundle) Section(label string) *Section {
	for i := range b.Sections {
		if b.Sections[i].Label == label {
			return &b.Sections[i]
		}
	}
	return nil
}
