package extraction

import (
	"context"
	"regexp"
	"strings"

	"github.com/rcliao/character-memory/internal/chunker"
	"github.com/rcliao/character-memory/internal/model"
)

// Heuristic classifies the user's side of an exchange with keyword rules.
// It is deterministic and needs no model.
type Heuristic struct{}

type rule struct {
	kind   model.MemoryKind
	rating float64
	cues   []string
}

// Rules are checked in order; the first match wins.
var rules = []rule{
	{model.KindFact, 9, []string{"my name is", "call me", "i'm called"}},
	{model.KindEmotion, 6, []string{"i feel", "i'm feeling", "i felt", "i've been feeling", "i'm so", "i am so",
		"lonely", "anxious", "worried", "scared", "depressed", "stressed", "heartbroken", "excited"}},
	{model.KindPreference, 6, []string{"i love", "i like", "i hate", "i prefer", "i enjoy", "i adore",
		"i don't like", "i dont like", "i can't stand", "my favorite", "my favourite"}},
	{model.KindEvent, 5, []string{"yesterday", "tomorrow", "last week", "next week", "last month", "next month",
		"this weekend", "i got ", "i'm going to", "i went", "i'm moving", "birthday", "promoted",
		"graduat", "interview", "wedding", "vacation"}},
	{model.KindFact, 7, []string{"i am a", "i'm a ", "i work", "i live", "i'm from", "i am from", "i study",
		"i have a", "i've got a", "my sister", "my brother", "my mom", "my mother", "my dad", "my father",
		"my wife", "my husband", "my son", "my daughter", "my friend", "my dog", "my cat", "my partner",
		"years old"}},
}

var (
	relationRe = regexp.MustCompile(`(?i:\bmy\s+(sister|brother|mom|mother|dad|father|wife|husband|son|daughter|` +
		`friend|best friend|boss|partner|girlfriend|boyfriend|grandma|grandmother|grandpa|grandfather|cousin|` +
		`aunt|uncle|coworker|roommate|dog|cat|puppy|kitten|pet))(?:'s name is|\s+is\s+named|\s+is\s+called|\s+named|\s+called|,)?\s+([A-Z][a-z]+)`)
	placeRe = regexp.MustCompile(`(?i:\b(live|lives|living|moved|moving|relocated|grew up|born|work|working|` +
		`study|studying|visited|visiting|trip)\s+(in|to|at|for))\s+((?:[A-Z][a-zA-Z]+)(?:\s[A-Z][a-zA-Z]+)?)`)
	fromRe  = regexp.MustCompile(`(?i:\b(?:i'm|i am)\s+from)\s+((?:[A-Z][a-zA-Z]+)(?:\s[A-Z][a-zA-Z]+)?)`)
	eventRe = regexp.MustCompile(`(?i)\bmy\s+(birthday|wedding|graduation|interview|exam|recital|surgery|anniversary|trip|vacation)\b`)
)

var placeRelations = map[string]string{
	"live": "home", "lives": "home", "living": "home", "moved": "home", "moving": "moving to",
	"relocated": "home", "grew up": "hometown", "born": "birthplace", "work": "workplace",
	"working": "workplace", "study": "school", "studying": "school", "visited": "visited",
	"visiting": "visiting", "trip": "trip destination",
}

var pets = map[string]bool{"dog": true, "cat": true, "puppy": true, "kitten": true, "pet": true}

var stopNames = map[string]bool{"The": true, "This": true, "That": true, "It": true, "And": true, "But": true}

// Classify implements Classifier.
func (Heuristic) Classify(ctx context.Context, ex *model.Exchange) (*Classification, error) {
	cls := &Classification{}
	for _, ch := range chunker.Chunk(ex.UserMessage, chunker.DefaultOptions()) {
		text := ch.Text
		if strings.HasSuffix(text, "?") {
			continue
		}
		ents := entitiesIn(text)
		cls.Entities = append(cls.Entities, ents...)

		r, ok := match(text)
		if !ok {
			continue
		}
		rating := r.rating
		if len(ents) > 0 && rating < 10 {
			rating++
		}
		cls.Candidates = append(cls.Candidates, Candidate{
			Kind:    r.kind,
			Content: thirdPerson(text),
			Rating:  rating,
		})
	}
	return cls, nil
}

func match(text string) (rule, bool) {
	lower := " " + strings.ToLower(text) + " "
	for _, r := range rules {
		for _, cue := range r.cues {
			if strings.Contains(lower, " "+cue) {
				return r, true
			}
		}
	}
	return rule{}, false
}

func entitiesIn(text string) []model.EntityUpdate {
	var out []model.EntityUpdate
	for _, m := range relationRe.FindAllStringSubmatch(text, -1) {
		rel, name := strings.ToLower(m[1]), m[2]
		if stopNames[name] {
			continue
		}
		attrs := map[string]string{"relation": rel}
		if pets[rel] {
			attrs = map[string]string{"relation": "pet", "species": rel}
		}
		out = append(out, model.EntityUpdate{Type: model.EntityPerson, Name: name, Attributes: attrs})
	}
	for _, m := range placeRe.FindAllStringSubmatch(text, -1) {
		verb, name := strings.ToLower(m[1]), m[3]
		if stopNames[name] {
			continue
		}
		out = append(out, model.EntityUpdate{
			Type:       model.EntityPlace,
			Name:       name,
			Attributes: map[string]string{"relation": placeRelations[verb]},
		})
	}
	for _, m := range fromRe.FindAllStringSubmatch(text, -1) {
		if stopNames[m[1]] {
			continue
		}
		out = append(out, model.EntityUpdate{
			Type:       model.EntityPlace,
			Name:       m[1],
			Attributes: map[string]string{"relation": "hometown"},
		})
	}
	for _, m := range eventRe.FindAllStringSubmatch(text, -1) {
		name := strings.ToLower(m[1])
		out = append(out, model.EntityUpdate{Type: model.EntityEvent, Name: name})
	}
	return out
}

var pronouns = map[string]string{
	"i": "the user", "i'm": "the user is", "im": "the user is", "i've": "the user has",
	"i'd": "the user would", "i'll": "the user will", "my": "their", "me": "them",
	"mine": "theirs", "myself": "themselves",
}

// verbs after a bare "I" that need the third person form.
var verbs = map[string]string{
	"am": "is", "have": "has", "do": "does", "don't": "doesn't", "dont": "doesn't", "go": "goes",
	"love": "loves", "like": "likes", "hate": "hates", "prefer": "prefers", "enjoy": "enjoys",
	"adore": "adores", "work": "works", "live": "lives", "study": "studies", "feel": "feels",
	"want": "wants", "need": "needs", "think": "thinks", "miss": "misses", "play": "plays",
	"can't": "can't", "really": "really",
}

// thirdPerson rewrites a first-person statement about the user.
func thirdPerson(s string) string {
	words := strings.Fields(s)
	bareI := false
	for i, w := range words {
		core := strings.TrimRight(w, ".,!;:")
		trail := w[len(core):]
		lower := strings.ToLower(core)
		if bareI {
			if rep, ok := verbs[lower]; ok {
				words[i] = rep + trail
				// adverbs keep the verb pending: "I really love"
				bareI = lower == "really"
				continue
			}
			bareI = false
		}
		if rep, ok := pronouns[lower]; ok {
			words[i] = rep + trail
			bareI = lower == "i" && trail == ""
		}
	}
	out := strings.Join(words, " ")
	if out != "" {
		out = strings.ToUpper(out[:1]) + out[1:]
	}
	return out
}
