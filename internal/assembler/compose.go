package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/character-memory/internal/model"
	"github.com/rcliao/character-memory/internal/tokens"
)

// compose lays out the bundle in priority order. Every section is sized to
// what is left of the budget, so the total never exceeds it.
func (a *Assembler) compose(req Request, snap *snapshot, log logrus.FieldLogger) *model.ContextBundle {
	budget := req.TokenBudget
	b := &model.ContextBundle{TokenBudget: budget, Degraded: degraded(snap)}
	if snap.session != nil {
		b.SessionID = snap.session.ID
	}
	add := func(label, text string, truncated bool) {
		n := tokens.Count(text)
		b.Sections = append(b.Sections, model.Section{Label: label, Text: text, TokenCount: n, Truncated: truncated})
		b.TokenCount += n
	}

	// 1-2: persona and entities are always present, even if empty
	persona := ""
	if snap.character != nil {
		persona = snap.character.Persona
	}
	personaText, personaCut := tokens.Truncate(persona, a.cfg.PersonaCap)
	entityLines := renderEntities(snap.entities)
	entityText, _, entityCut := fillLines(entityLines, a.cfg.EntitiesCap)

	if need := tokens.Count(personaText) + tokens.Count(entityText); need > budget {
		log.WithFields(logrus.Fields{
			"budget":   budget,
			"required": need,
		}).Warn("budget_violation: persona and entities exceed the token budget")
		// persona yields first, but keeps at least half the budget
		allowed := budget - tokens.Count(entityText)
		if floor := min(tokens.Count(personaText), (budget+1)/2); allowed < floor {
			allowed = floor
		}
		var cut bool
		personaText, cut = tokens.Truncate(personaText, allowed)
		personaCut = personaCut || cut
		entityText, _, cut = fillLines(entityLines, min(a.cfg.EntitiesCap, budget-tokens.Count(personaText)))
		entityCut = entityCut || cut
	}
	// the marker only takes room the persona left over
	if len(entityLines) == 0 {
		if n := tokens.Count(noEntities); n <= min(a.cfg.EntitiesCap, budget-tokens.Count(personaText)) {
			entityText = noEntities
		}
	}
	add(model.SectionPersona, personaText, personaCut)
	add(model.SectionEntities, entityText, entityCut)
	remaining := budget - b.TokenCount

	// 3: last closed session
	if snap.episode != nil && snap.episode.Summary != "" && remaining > 0 {
		text, cut := tokens.Truncate("Last time we spoke: "+snap.episode.Summary, min(a.cfg.EpisodicCap, remaining))
		if text != "" {
			add(model.SectionEpisodic, text, cut)
			remaining = budget - b.TokenCount
		}
	}

	// 4: ranked long-term memories; K may be zero
	if len(snap.longTerm) > 0 && remaining > 0 {
		lines := make([]string, len(snap.longTerm))
		for i, s := range snap.longTerm {
			lines[i] = fmt.Sprintf("- %s: %s", s.Memory.Kind.Label(), s.Memory.Content)
		}
		text, k, cut := fillLines(lines, min(a.cfg.LongTermCap, remaining))
		if k > 0 {
			add(model.SectionLongTerm, text, cut)
			remaining = budget - b.TokenCount
			for _, s := range snap.longTerm[:k] {
				b.MemoryIDs = append(b.MemoryIDs, s.Memory.ID)
			}
		}
	}

	// 5: working memory once the raw buffer has overflowed
	if s := snap.session; s != nil && s.MessageCount > a.cfg.BufferCapacity && s.WorkingMemory != "" && remaining > 0 {
		text, cut := tokens.Truncate(s.WorkingMemory, min(a.cfg.WorkingMemoryCap, remaining))
		if text != "" {
			add(model.SectionWorkingMemory, text, cut)
			remaining = budget - b.TokenCount
		}
	}

	// 6: most recent messages fill what is left
	if len(snap.messages) > 0 && remaining > 0 {
		text, cut := recentMessages(snap.messages, req.CharacterName, remaining)
		if text != "" {
			add(model.SectionRecentMessages, text, cut)
		}
	}
	return b
}

func degraded(snap *snapshot) []string {
	var out []string
	for _, label := range allSources {
		if _, ok := snap.errs[label]; !ok {
			continue
		}
		if label == srcSession {
			out = append(out, model.SectionWorkingMemory, model.SectionRecentMessages)
			continue
		}
		out = append(out, label)
	}
	return out
}

// fillLines joins as many leading lines as fit in max tokens.
func fillLines(lines []string, max int) (string, int, bool) {
	var b strings.Builder
	for i, line := range lines {
		next := line
		if i > 0 {
			next = b.String() + "\n" + line
		}
		if tokens.Count(next) > max {
			return b.String(), i, true
		}
		b.Reset()
		b.WriteString(next)
	}
	return b.String(), len(lines), false
}

// recentMessages picks messages newest first while they fit and renders them
// oldest first.
func recentMessages(msgs []model.Message, character string, max int) (string, bool) {
	lines := make([]string, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		who := "User"
		if msgs[i].Role == model.RoleAssistant {
			who = character
		}
		line := who + ": " + msgs[i].Content
		candidate := append([]string{line}, lines...)
		if tokens.Count(strings.Join(candidate, "\n")) > max {
			return strings.Join(lines, "\n"), true
		}
		lines = candidate
	}
	return strings.Join(lines, "\n"), false
}

// noEntities stands in for an empty entity snapshot.
const noEntities = "No known entities yet."

func renderEntities(ents []model.Entity) []string {
	lines := make([]string, 0, len(ents))
	for _, e := range ents {
		line := fmt.Sprintf("- %s (%s)", e.Name, e.Type)
		if len(e.Attributes) > 0 {
			keys := make([]string, 0, len(e.Attributes))
			for k := range e.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, len(keys))
			for i, k := range keys {
				parts[i] = k + ": " + e.Attributes[k]
			}
			line += ": " + strings.Join(parts, "; ")
		}
		lines = append(lines, line)
	}
	return lines
}
