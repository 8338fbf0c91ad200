package butler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/internal/promptcache"
	"github.com/kestrelhq/butler/pkg/models"
)

// classifyInstructions is the static portion of the classification
// prompt. It is stable across turns, which makes it cache-eligible.
const classifyInstructions = `You are the intent router for a personal butler assistant. Classify the user's message into exactly one primary intent and extract entities.

Intent types:
- direct_answer: the butler can answer from general knowledge, no tools needed
- delegate_scheduler: calendar lookups, creating or moving events
- delegate_communicator: sending messages or email, looking up contacts
- delegate_navigator: searching, filing, or archiving the user's records
- delegate_researcher: open-ended web search and summarization
- clarify: the message is too ambiguous to act on
- cannot_help: the request is outside the butler's abilities

Respond with JSON only, no prose:
{
  "candidates": [
    {"type": "<intent type>", "confidence": <0..1>, "entities": [{"type": "person|datetime|amount|topic", "value": "<raw text>"}]}
  ],
  "sub_intents": ["<additional delegate_* types implied by a compound request>"]
}

List every plausible candidate with your confidence in each. A compound request ("email John about the meeting we should schedule") gets its strongest type as a candidate and the others under sub_intents.`

// confidenceTieWindow is how close two candidate confidences must be
// before specificity (entity count) breaks the tie.
const confidenceTieWindow = 0.05

// classifierResponse is the wire shape of the routing call's reply.
type classifierResponse struct {
	Candidates []models.Intent     `json:"candidates"`
	SubIntents []models.IntentType `json:"sub_intents"`
}

// Classifier turns a user utterance into a routed Intent.
type Classifier struct {
	completions llm.CompletionService
	prompts     *promptcache.Manager
	// threshold is the minimum confidence to act on a classification.
	threshold float64
}

// NewClassifier creates a classifier.
func NewClassifier(completions llm.CompletionService, prompts *promptcache.Manager, threshold float64) *Classifier {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.55
	}
	return &Classifier{
		completions: completions,
		prompts:     prompts,
		threshold:   threshold,
	}
}

// Classify routes the utterance. Ambiguity is not an error: a result
// below the confidence threshold comes back as a clarify intent. Only
// completion transport failures propagate.
func (c *Classifier) Classify(ctx context.Context, utterance string) (*models.Intent, llm.Usage, error) {
	system, err := c.buildSystem()
	if err != nil {
		return nil, llm.Usage{}, err
	}

	resp, err := c.completions.Complete(ctx, llm.Request{
		System: system,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Text: utterance},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		return nil, llm.Usage{}, fmt.Errorf("classification call: %w", err)
	}

	parsed, err := parseClassifierResponse(resp.Text)
	if err != nil {
		// An unparseable routing reply is treated like low confidence.
		log.Printf("[butler] unparseable classification, asking to clarify: %v", err)
		return &models.Intent{Type: models.IntentClarify}, resp.Usage, nil
	}

	intent := selectIntent(parsed.Candidates)
	if intent.Confidence < c.threshold {
		return &models.Intent{
			Type:       models.IntentClarify,
			Confidence: intent.Confidence,
			Entities:   intent.Entities,
		}, resp.Usage, nil
	}

	for _, sub := range parsed.SubIntents {
		if sub.Delegation() && sub != intent.Type {
			intent.SubIntents = append(intent.SubIntents, sub)
		}
	}
	return intent, resp.Usage, nil
}

// buildSystem prepares the classification system prompt through the
// cache manager.
func (c *Classifier) buildSystem() ([]llm.SystemPart, error) {
	if c.prompts == nil {
		return []llm.SystemPart{{Text: classifyInstructions}}, nil
	}
	prepared, err := c.prompts.Prepare([]promptcache.Part{
		{Text: classifyInstructions},
	})
	if err != nil {
		return nil, fmt.Errorf("preparing classification prompt: %w", err)
	}
	return prepared.System, nil
}

// parseClassifierResponse extracts the JSON payload from the model's
// reply, tolerating code fences around it.
func parseClassifierResponse(text string) (*classifierResponse, error) {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}

	var parsed classifierResponse
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("decoding classifier response: %w", err)
	}
	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("classifier returned no candidates")
	}
	for _, cand := range parsed.Candidates {
		if !cand.Type.Valid() {
			return nil, fmt.Errorf("classifier returned unknown intent type %q", cand.Type)
		}
	}
	return &parsed, nil
}

// selectIntent picks the winning candidate. Highest confidence wins;
// when the top two are within the tie window, the one with more
// populated entity slots is considered more specific and wins.
func selectIntent(candidates []models.Intent) *models.Intent {
	sorted := make([]models.Intent, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	winner := sorted[0]
	for _, cand := range sorted[1:] {
		if winner.Confidence-cand.Confidence > confidenceTieWindow {
			break
		}
		if len(cand.Entities) > len(winner.Entities) {
			winner = cand
		}
	}
	return &winner
}
