package intent

import (
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/govbudget/backend/pkg/logger"
)

// ProperNounDetector returns the proper-noun tokens of text in order.
type ProperNounDetector interface {
	ProperNouns(text string) []string
}

// ProseDetector tags text with the prose averaged-perceptron tagger and keeps
// NNP and NNPS tokens.
type ProseDetector struct{}

func NewProseDetector() *ProseDetector {
	return &ProseDetector{}
}

func (ProseDetector) ProperNouns(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Warn("Proper noun tagging failed", zap.Error(err))
		return nil
	}

	var out []string
	for _, tok := range doc.Tokens() {
		if tok.Tag == "NNP" || tok.Tag == "NNPS" {
			out = append(out, tok.Text)
		}
	}
	return out
}
