package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pitabwire/detention-letters/internal/letters"
	"github.com/pitabwire/detention-letters/model"
)

const (
	maxDetermineBody  = 1 << 20
	maxDetermineLines = 1000
)

type determineRequest struct {
	ProductLines []model.OrderProductLine `json:"product_lines"`
	Explain      bool                     `json:"explain"`
}

type determineResponse struct {
	Letters []model.LetterType `json:"letters"`
	Lines   []lineMatch        `json:"lines,omitempty"`
}

type lineMatch struct {
	Line  model.OrderProductLine `json:"line"`
	Match letters.Match          `json:"match"`
}

// handleDetermine returns the letters an order with the posted product
// lines would need. Nothing is persisted.
func handleDetermine(engine *letters.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req determineRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDetermineBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				WriteError(w, r, model.NewBadRequestError("Request body too large"))
				return
			}
			WriteError(w, r, model.NewBadRequestError("Invalid JSON body"))
			return
		}

		switch {
		case req.ProductLines == nil:
			WriteValidationError(w, r, []model.FieldError{{
				Field: "product_lines", Code: "required", Message: "product_lines is required",
			}})
			return
		case len(req.ProductLines) > maxDetermineLines:
			WriteValidationError(w, r, []model.FieldError{{
				Field:   "product_lines",
				Code:    "too_many",
				Message: fmt.Sprintf("at most %d product lines are accepted", maxDetermineLines),
			}})
			return
		}

		resp := determineResponse{Letters: engine.Determine(req.ProductLines)}
		if req.Explain {
			c := engine.Classifier()
			resp.Lines = make([]lineMatch, len(req.ProductLines))
			for i, line := range req.ProductLines {
				resp.Lines[i] = lineMatch{Line: line, Match: c.Explain(line)}
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
