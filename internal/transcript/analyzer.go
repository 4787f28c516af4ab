// Package transcript classifies ended-call transcripts into the structured
// scoring fields the sales team tracks.
package transcript

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/pkg/anthropic"
)

// Analyzer extracts a structured analysis from a raw call transcript.
type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (*model.Analysis, error)
}

const systemPrompt = `You receive the transcript of a phone call between an AI voice agent and a customer. Analyze the transcript and determine:

1. qualification: whether the customer is still interested in the offer. Y (yes), N (no), ? (not clear).
2. upsell: whether the customer is open to the upsell offer that was proposed. Y, N, ?.
3. interestedInPodcast: whether the customer is interested in the podcast. Y, N, ?.
4. linkedin: whether the customer agreed to connect on LinkedIn. Y, N, ?.
5. nps: 0 to 10, how strongly the customer would recommend the service.
6. why: short summary of why they would (or would not) recommend it.
7. upsellValue: the amount they mention for the upsell, 0 if none.

Respond with exactly one JSON object:
{"qualification":"Y","upsell":"Y","upsellValue":200,"interestedInPodcast":"N","linkedin":"N","nps":7,"why":"..."}

Do not include markdown fences or any text outside the JSON object.`

// analysisPayload is the model's JSON response shape.
type analysisPayload struct {
	Qualification       string  `json:"qualification"`
	Upsell              string  `json:"upsell"`
	UpsellValue         float64 `json:"upsellValue"`
	InterestedInPodcast string  `json:"interestedInPodcast"`
	Linkedin            string  `json:"linkedin"`
	NPS                 int     `json:"nps"`
	Why                 string  `json:"why"`
}

type llmAnalyzer struct {
	client anthropic.Client
	model  string
	log    *zap.Logger
}

// NewAnalyzer builds an Analyzer on the given Anthropic client and model.
func NewAnalyzer(client anthropic.Client, modelName string) Analyzer {
	return &llmAnalyzer{
		client: client,
		model:  modelName,
		log:    zap.L().With(zap.String("component", "transcript")),
	}
}

func (a *llmAnalyzer) Analyze(ctx context.Context, transcript string) (*model.Analysis, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, eris.New("transcript: empty transcript")
	}

	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   1024,
		System:      systemPrompt,
		Temperature: &temp,
		Messages: []anthropic.Message{
			{Role: "user", Content: "Transcript:\n\n" + transcript},
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "transcript: analyze")
	}

	raw := strings.TrimSpace(resp.Text())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var payload analysisPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return nil, eris.Wrapf(err, "transcript: parse analysis %q", raw)
	}

	a.log.Debug("transcript analyzed",
		zap.String("qualification", payload.Qualification),
		zap.Int("nps", payload.NPS),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens))

	return &model.Analysis{
		Qualification:       payload.Qualification,
		Upsell:              payload.Upsell,
		UpsellValue:         payload.UpsellValue,
		InterestedInPodcast: payload.InterestedInPodcast,
		Linkedin:            payload.Linkedin,
		NPS:                 payload.NPS,
		Why:                 payload.Why,
	}, nil
}
