package summarizer

import (
	"sort"
	"strings"
	"unicode"

	"github.com/rcliao/character-memory/internal/chunker"
	"github.com/rcliao/character-memory/internal/model"
)

const (
	maxTopics     = 5
	maxUnresolved = 3
)

// WorkingMemory is the structured form of a session's working memory.
type WorkingMemory struct {
	Summary             string   `json:"summary"`
	KeyTopics           []string `json:"key_topics"`
	EmotionalState      string   `json:"emotional_state"`
	UnresolvedQuestions []string `json:"unresolved_questions"`
}

const (
	topicsPrefix     = "Topics: "
	moodPrefix       = "Mood: "
	unresolvedPrefix = "Unresolved: "
)

// Render formats the working memory as text of at most maxWords words. The
// narrative gives up its oldest sentences first.
func (w WorkingMemory) Render(maxWords int) string {
	var tail []string
	topics := w.KeyTopics
	if len(topics) > maxTopics {
		topics = topics[:maxTopics]
	}
	if len(topics) > 0 {
		tail = append(tail, topicsPrefix+strings.Join(topics, ", "))
	}
	if w.EmotionalState != "" {
		tail = append(tail, moodPrefix+w.EmotionalState)
	}
	questions := w.UnresolvedQuestions
	if len(questions) > maxUnresolved {
		questions = questions[:maxUnresolved]
	}
	if len(questions) > 0 {
		tail = append(tail, unresolvedPrefix+strings.Join(questions, " | "))
	}

	tailText := strings.Join(tail, "\n")
	tailWords := countWords(tailText)
	// the structured lines never take more than half the bound
	if maxWords > 0 && tailWords > maxWords/2 {
		tailText = limitWords(tailText, maxWords/2)
		tailWords = countWords(tailText)
	}

	summary := strings.TrimSpace(w.Summary)
	if maxWords > 0 {
		summary = newestSentences(summary, maxWords-tailWords)
	}

	switch {
	case summary == "":
		return tailText
	case tailText == "":
		return summary
	default:
		return summary + "\n" + tailText
	}
}

// Parse reads text produced by Render. Text in any other shape is taken as
// the narrative summary.
func Parse(text string) WorkingMemory {
	var wm WorkingMemory
	var narrative []string
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		switch {
		case strings.HasPrefix(line, topicsPrefix):
			wm.KeyTopics = splitList(strings.TrimPrefix(line, topicsPrefix), ",")
		case strings.HasPrefix(line, moodPrefix):
			wm.EmotionalState = strings.TrimSpace(strings.TrimPrefix(line, moodPrefix))
		case strings.HasPrefix(line, unresolvedPrefix):
			wm.UnresolvedQuestions = splitList(strings.TrimPrefix(line, unresolvedPrefix), "|")
		case strings.TrimSpace(line) != "":
			narrative = append(narrative, strings.TrimSpace(line))
		}
	}
	wm.Summary = strings.Join(narrative, " ")
	return wm
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// heuristicUpdate folds fresh messages into prev without a model.
func heuristicUpdate(prev WorkingMemory, fresh []model.Message) WorkingMemory {
	topics := topicsOf(fresh, 3)
	next := WorkingMemory{
		Summary:             prev.Summary,
		KeyTopics:           mergeList(topics, prev.KeyTopics, maxTopics),
		EmotionalState:      prev.EmotionalState,
		UnresolvedQuestions: mergeList(questionsOf(fresh), prev.UnresolvedQuestions, maxUnresolved),
	}
	if mood := moodOf(fresh); mood != "" {
		next.EmotionalState = mood
	}
	if len(topics) > 0 {
		sentence := "The user talked about " + joinAnd(topics) + "."
		if next.Summary == "" {
			next.Summary = sentence
		} else {
			next.Summary += " " + sentence
		}
	}
	return next
}

func heuristicFinal(wm WorkingMemory, msgs []model.Message) string {
	topics := mergeList(topicsOf(msgs, 3), wm.KeyTopics, 3)
	var b strings.Builder
	if len(topics) == 0 {
		b.WriteString("We had a short conversation.")
	} else {
		b.WriteString("We talked about " + joinAnd(topics) + ".")
	}
	mood := moodOf(msgs)
	if mood == "" {
		mood = wm.EmotionalState
	}
	if mood != "" && mood != "neutral" {
		b.WriteString(" The user seemed " + mood + ".")
	}
	questions := mergeList(questionsOf(msgs), wm.UnresolvedQuestions, 1)
	if len(questions) > 0 {
		b.WriteString(" They were still wondering: " + questions[0])
	}
	return b.String()
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`about after again also always because been before being could
	didn does doing done dont down each even every from gonna have having here into just know like
	maybe more most much need never only other over really said same should since some still such sure
	than that thats their them then there these they thing things think this those through told very
	want was were what when where which while will with would your yours yeah okay well going today
	tell feel felt make made good great right time lets youre ive theyre isnt cant wont been`) {
		stopwords[w] = struct{}{}
	}
}

// topicsOf returns the n most frequent content words, earliest first on ties.
func topicsOf(msgs []model.Message, n int) []string {
	counts := make(map[string]int)
	first := make(map[string]int)
	pos := 0
	for _, m := range msgs {
		for _, w := range strings.FieldsFunc(strings.ToLower(m.Content), func(r rune) bool {
			return !unicode.IsLetter(r) && r != '\''
		}) {
			w = strings.ReplaceAll(w, "'", "")
			if len(w) < 4 {
				continue
			}
			if _, stop := stopwords[w]; stop {
				continue
			}
			if _, seen := first[w]; !seen {
				first[w] = pos
			}
			counts[w]++
			pos++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return first[words[i]] < first[words[j]]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

// questionsOf returns the user's questions, newest first.
func questionsOf(msgs []model.Message) []string {
	var out []string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != model.RoleUser {
			continue
		}
		chunks := chunker.Chunk(msgs[i].Content, chunker.DefaultOptions())
		for j := len(chunks) - 1; j >= 0; j-- {
			if strings.HasSuffix(chunks[j].Text, "?") {
				out = append(out, chunks[j].Text)
			}
		}
	}
	return out
}

var moods = []struct {
	state string
	cues  []string
}{
	{"anxious", []string{"anxious", "worried", "nervous", "scared", "afraid", "stressed"}},
	{"sad", []string{"sad", "lonely", "upset", "depressed", "miss", "cried", "hurt"}},
	{"angry", []string{"angry", "furious", "annoyed", "frustrated", "hate"}},
	{"excited", []string{"excited", "thrilled", "can't wait", "cant wait", "amazing"}},
	{"happy", []string{"happy", "glad", "love", "great", "wonderful", "joy"}},
	{"curious", []string{"curious", "wonder", "how does", "why do", "what if"}},
}

// moodOf reads the user's affect from their latest messages.
func moodOf(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != model.RoleUser {
			continue
		}
		text := strings.ToLower(msgs[i].Content)
		for _, m := range moods {
			for _, cue := range m.cues {
				if containsWord(text, cue) {
					return m.state
				}
			}
		}
	}
	return ""
}

// containsWord reports whether phrase occurs in text on word boundaries.
func containsWord(text, phrase string) bool {
	for start := 0; ; {
		i := strings.Index(text[start:], phrase)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(phrase)
		before := i == 0 || !isWordByte(text[i-1])
		after := end == len(text) || !isWordByte(text[end])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isWordByte(b byte) bool {
	return b == '\'' || b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// mergeList returns fresh followed by the unseen entries of old, up to max.
func mergeList(fresh, old []string, max int) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{fresh, old} {
		for _, s := range list {
			key := strings.ToLower(s)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
			if len(out) == max {
				return out
			}
		}
	}
	return out
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// limitWords keeps the first n words of s, preserving line breaks.
func limitWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if countWords(s) <= n {
		return s
	}
	var lines []string
	left := n
	for _, line := range strings.Split(s, "\n") {
		words := strings.Fields(line)
		if len(words) > left {
			words = words[:left]
		}
		if len(words) > 0 {
			lines = append(lines, strings.Join(words, " "))
		}
		left -= len(words)
		if left == 0 {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// newestSentences keeps the trailing sentences of s that fit in n words.
func newestSentences(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if countWords(s) <= n {
		return s
	}
	chunks := chunker.Chunk(s, chunker.DefaultOptions())
	var kept []string
	used := 0
	for i := len(chunks) - 1; i >= 0; i-- {
		w := countWords(chunks[i].Text)
		if used+w > n {
			break
		}
		kept = append([]string{chunks[i].Text}, kept...)
		used += w
	}
	if len(kept) == 0 {
		// a single sentence longer than the bound
		return limitWords(chunks[len(chunks)-1].Text, n)
	}
	return strings.Join(kept, " ")
}
