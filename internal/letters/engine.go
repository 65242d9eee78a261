package letters

import "github.com/pitabwire/detention-letters/model"

// Engine determines the letter set for a whole order.
type Engine struct {
	classifier *Classifier
}

// NewEngine creates an engine backed by the given classifier. A nil
// classifier selects the built-in tables.
func NewEngine(c *Classifier) *Engine {
	if c == nil {
		c = NewDefaultClassifier()
	}
	return &Engine{classifier: c}
}

// Classifier returns the classifier used by the engine.
func (e *Engine) Classifier() *Classifier {
	return e.classifier
}

// Determine returns the distinct letters required by lines, in the order
// each was first produced. An order with no qualifying lines yields an
// empty, non-nil slice.
func (e *Engine) Determine(lines []model.OrderProductLine) []model.LetterType {
	result := make([]model.LetterType, 0, len(lines))
	seen := make(map[model.LetterType]bool, len(lines))
	for _, line := range lines {
		lt, ok := e.classifier.Classify(line)
		if !ok || seen[lt] {
			continue
		}
		seen[lt] = true
		result = append(result, lt)
	}
	return result
}
