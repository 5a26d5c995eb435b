package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcliao/character-memory/internal/llm"
	"github.com/rcliao/character-memory/internal/model"
)

// ModelClassifier asks a language model to extract memories and entities.
type ModelClassifier struct {
	llm llm.Completer
}

// NewModelClassifier wraps a completer.
func NewModelClassifier(c llm.Completer) *ModelClassifier {
	return &ModelClassifier{llm: c}
}

type modelReply struct {
	Memories []struct {
		Type       string  `json:"type"`
		Content    string  `json:"content"`
		Importance float64 `json:"importance"`
	} `json:"memories"`
	Entities []struct {
		Type         string `json:"type"`
		Name         string `json:"name"`
		Relationship string `json:"relationship"`
		Details      string `json:"details"`
	} `json:"entities"`
}

const classifyPrompt = `Analyze this conversation turn and extract important facts about the USER (not the character).

Conversation:
User: %s
%s: %s

Extract memories in these categories:
1. fact: Personal information (name, age, job, location, family)
2. preference: Likes, dislikes, opinions
3. emotion: Emotional states, feelings shared, personal struggles
4. event: Events they mentioned (got promoted, going on vacation, etc.)

Rate each memory's importance from 1 to 10:
- 9-10: Critical identity facts (name, core relationships)
- 7-8: Important preferences and recurring themes
- 5-6: Interesting but not essential
- 1-4: Minor details

Also extract entities the USER mentioned from their life: person, place, thing or event,
with their relationship to the user.

Return JSON:
{
  "memories": [{"type": "fact", "content": "User's name is Sarah", "importance": 9}],
  "entities": [{"type": "person", "name": "Max", "relationship": "user's dog", "details": "golden retriever"}]
}

If nothing is worth remembering, return {"memories": [], "entities": []}.
Return ONLY valid JSON, no other text.`

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, ex *model.Exchange) (*Classification, error) {
	prompt := fmt.Sprintf(classifyPrompt, ex.UserMessage, ex.CharacterName, ex.AssistantMessage)
	out, err := c.llm.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	return parseReply(out)
}

func parseReply(out string) (*Classification, error) {
	var reply modelReply
	if err := json.Unmarshal([]byte(llm.CleanJSON(out)), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	cls := &Classification{}
	for _, m := range reply.Memories {
		cls.Candidates = append(cls.Candidates, Candidate{
			Kind:    memoryKind(m.Type),
			Content: m.Content,
			Rating:  rating(m.Importance),
		})
	}
	for _, e := range reply.Entities {
		attrs := map[string]string{}
		if e.Relationship != "" {
			attrs["relation"] = e.Relationship
		}
		if e.Details != "" {
			attrs["details"] = e.Details
		}
		cls.Entities = append(cls.Entities, model.EntityUpdate{
			Type:       entityType(e.Type),
			Name:       e.Name,
			Attributes: attrs,
		})
	}
	return cls, nil
}

// rating accepts both the requested 1-10 scale and a 0-1 fraction.
func rating(v float64) float64 {
	if v > 0 && v < 1 {
		return 1 + v*9
	}
	return v
}

func memoryKind(s string) model.MemoryKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preference", "opinion":
		return model.KindPreference
	case "emotion", "feeling":
		return model.KindEmotion
	case "event":
		return model.KindEvent
	}
	return model.KindFact
}

func entityType(s string) model.EntityType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "person", "pet":
		return model.EntityPerson
	case "place", "location", "organization":
		return model.EntityPlace
	case "event":
		return model.EntityEvent
	}
	return model.EntityThing
}
