package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mitreflow/internal/logging"

	"github.com/sashabaranov/go-openai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI-backed analyst.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
}

// OpenAI implements Analyst with chat completions in JSON mode.
type OpenAI struct {
	client *openai.Client
	model  string
	temp   float32
	logger *slog.Logger
}

// NewOpenAI builds an analyst. An empty API key is an error.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = 0.2
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		temp:   temp,
		logger: logging.New("llm"),
	}, nil
}

// Model returns the configured model name.
func (o *OpenAI) Model() string { return o.model }

// chat sends one JSON-mode completion. model falls back to the configured one.
func (o *OpenAI) chat(ctx context.Context, model, system string, user any) (string, error) {
	if model == "" {
		model = o.model
	}
	body, ok := user.(string)
	if !ok {
		data, err := json.Marshal(user)
		if err != nil {
			return "", fmt.Errorf("openai: encode prompt: %w", err)
		}
		body = string(data)
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: o.temp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: body},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}
	o.logger.Debug("chat completion", slog.String("model", model))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	o.logger.Debug("chat completion done",
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("total_tokens", resp.Usage.TotalTokens))
	return resp.Choices[0].Message.Content, nil
}

const triageSystem = "You are a SOC triage analyst mapping EDR alerts to MITRE ATT&CK. " +
	"Extract ATT&CK technique IDs (Txxxx or Txxxx.xxx) only when confident, each with short " +
	"evidence phrases taken from the incident text. Return only valid JSON."

// Triage extracts technique candidates from incident text. Unparseable
// output degrades to a minimal triage with no candidates.
func (o *OpenAI) Triage(ctx context.Context, req TriageRequest) (*Triage, error) {
	prompt := map[string]any{
		"incident_text": req.IncidentText,
		"output_contract": map[string]any{
			"summary":             "string (<=600 chars)",
			"suspected_behaviors": []string{"string"},
			"candidate_platforms": []string{"Windows|Linux|macOS|Cloud|Network|Other"},
			"technique_evidence":  map[string][]string{"Txxxx or Txxxx.xxx": {"evidence phrase"}},
			"keywords":            []string{"short display tokens"},
		},
		"rules": []string{
			"Only include technique IDs that start with T followed by four digits, optional .xxx sub-technique.",
			"Evidence phrases must be short and concrete (<=80 chars each).",
			"Include up to 10 techniques ordered by likelihood.",
		},
	}
	raw, err := o.chat(ctx, req.Model, triageSystem, prompt)
	if err != nil {
		return nil, err
	}
	var t Triage
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &t); err != nil {
		o.logger.Warn("triage output unparseable, using minimal triage", slog.String("error", err.Error()))
		t = Triage{Summary: "Triage output could not be parsed; falling back to minimal triage."}
	}
	SanitizeTriage(&t)
	if err := Validate(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

const hypothesisSystem = "You are a senior detection engineer. Return practical, log-source oriented " +
	"detection ideas (EDR, Sysmon, Windows Event Logs, proxy, DNS). Avoid vague advice. " +
	"Output must be valid JSON matching the provided schema."

// Hypotheses asks for detection ideas for a technique with no mapped data
// components. The result is clamped to the hypothesis limits and trimmed
// to MaxHypothesesKept.
func (o *OpenAI) Hypotheses(ctx context.Context, req HypothesisRequest) (*Hypotheses, error) {
	prompt := map[string]any{
		"task":             "Generate detection hypotheses for a MITRE ATT&CK technique with no mapped data components.",
		"technique":        req,
		"incident_context": req.IncidentText,
		"constraints": map[string]any{
			"num_hypotheses":                 "1 to 5",
			"telemetry_items_per_hypothesis": "2 to 8",
			"title_max_len":                  140,
			"rationale_max_len":              400,
			"confidence_values":              []string{"low", "medium", "high"},
		},
		"schema": map[string]any{
			"technique_id":   "string",
			"technique_name": "string",
			"hypotheses": []map[string]any{{
				"title": "string", "telemetry": []string{"string"}, "rationale": "string", "confidence": "low|medium|high",
			}},
		},
	}
	raw, err := o.chat(ctx, req.Model, hypothesisSystem, prompt)
	if err != nil {
		return nil, err
	}
	h := decodeHypotheses(raw)
	if h.TechniqueID == "" {
		h.TechniqueID = req.TechniqueID
	}
	if h.TechniqueName == "" {
		h.TechniqueName = req.TechniqueName
	}
	SanitizeHypotheses(h)
	if err := Validate(h); err != nil {
		return nil, err
	}
	if len(h.Hypotheses) > MaxHypothesesKept {
		h.Hypotheses = h.Hypotheses[:MaxHypothesesKept]
	}
	return h, nil
}

// decodeHypotheses accepts the payload bare or under result/output/data.
func decodeHypotheses(raw string) *Hypotheses {
	text := []byte(ExtractJSON(raw))
	var env map[string]json.RawMessage
	if err := json.Unmarshal(text, &env); err == nil {
		for _, k := range []string{"result", "output", "data"} {
			if inner, ok := env[k]; ok && len(inner) > 0 && inner[0] == '{' {
				text = inner
				break
			}
		}
	}
	var h Hypotheses
	if err := json.Unmarshal(text, &h); err != nil {
		return &Hypotheses{}
	}
	return &h
}

const reportSystem = "You are a senior incident response lead writing an executive report. " +
	"Use only the provided structured context. Return only valid JSON matching the required schema. " +
	"Be specific and actionable. Do not invent facts; write 'unknown' when something is unknown."

// Report writes the executive report. Output that fails validation is an
// error.
func (o *OpenAI) Report(ctx context.Context, rc ReportContext) (*ExecutiveReport, error) {
	ctxJSON, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("openai: encode report context: %w", err)
	}
	prompt := "Write an executive incident report from this context.\n\n" +
		"Schema fields (all required):\n" +
		"- title (<=140)\n" +
		"- executive_summary (<=900)\n" +
		"- likely_attack_flow (3-12 lines)\n" +
		"- mapped_techniques (1-20 lines)\n" +
		"- notable_groups_software (0-30 lines)\n" +
		"- detection_recommendations (3-20 lines)\n" +
		"- immediate_actions (3-15 lines)\n" +
		"- iocs: {suspected_artifacts[], suspicious_processes[], suspicious_network[]}\n" +
		"- navigator_layer_path (string or null)\n" +
		"- markdown (full report in Markdown, <=12000)\n\n" +
		"CONTEXT JSON:\n" + string(ctxJSON)
	raw, err := o.chat(ctx, rc.Model, reportSystem, prompt)
	if err != nil {
		return nil, err
	}
	var r ExecutiveReport
	if err := json.Unmarshal([]byte(ExtractJSON(raw)), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := Validate(&r); err != nil {
		return nil, err
	}
	if r.NavigatorLayerPath == "" {
		r.NavigatorLayerPath = rc.NavigatorLayerPath
	}
	return &r, nil
}
