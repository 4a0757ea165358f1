package investigation

import (
	"fmt"
	"strings"

	"mitreflow/internal/attack"
	"mitreflow/internal/llm"
)

// Navigator layer format versions written by BuildLayer.
const (
	LayerFormatVersion = "4.5"
	NavigatorVersion   = "5.1.0"
	AttackVersion      = "16"
	LayerName          = "Incident Investigation: Technique Coverage"
)

// Coverage scores placed on the layer gradient.
const (
	scoreUncovered = 1
	scorePartial   = 2
	scoreCovered   = 3
)

// Layer is an ATT&CK Navigator layer.
type Layer struct {
	Name                          string           `json:"name"`
	Versions                      LayerVersions    `json:"versions"`
	Domain                        string           `json:"domain"`
	Description                   string           `json:"description"`
	Filters                       LayerFilters     `json:"filters"`
	Sorting                       int              `json:"sorting"`
	Layout                        LayerLayout      `json:"layout"`
	HideDisabled                  bool             `json:"hideDisabled"`
	Techniques                    []LayerTechnique `json:"techniques"`
	Gradient                      LayerGradient    `json:"gradient"`
	LegendItems                   []LegendItem     `json:"legendItems"`
	ShowTacticRowBackground       bool             `json:"showTacticRowBackground"`
	TacticRowBackground           string           `json:"tacticRowBackground"`
	SelectTechniquesAcrossTactics bool             `json:"selectTechniquesAcrossTactics"`
	SelectSubtechniquesWithParent bool             `json:"selectSubtechniquesWithParent"`
}

type LayerVersions struct {
	Attack    string `json:"attack"`
	Navigator string `json:"navigator"`
	Layer     string `json:"layer"`
}

type LayerFilters struct {
	Platforms []string `json:"platforms"`
}

type LayerLayout struct {
	Layout              string `json:"layout"`
	ShowID              bool   `json:"showID"`
	ShowName            bool   `json:"showName"`
	ShowAggregateScores bool   `json:"showAggregateScores"`
	CountUnscored       bool   `json:"countUnscored"`
}

type LayerTechnique struct {
	TechniqueID       string          `json:"techniqueID"`
	Tactic            string          `json:"tactic,omitempty"`
	Score             int             `json:"score"`
	Color             string          `json:"color"`
	Comment           string          `json:"comment"`
	Enabled           bool            `json:"enabled"`
	Metadata          []LayerMetadata `json:"metadata,omitempty"`
	ShowSubtechniques bool            `json:"showSubtechniques"`
}

type LayerMetadata struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type LayerGradient struct {
	Colors   []string `json:"colors"`
	MinValue int      `json:"minValue"`
	MaxValue int      `json:"maxValue"`
}

type LegendItem struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

var scoreColors = map[int]string{
	scoreUncovered: "#ff6666",
	scorePartial:   "#ffe766",
	scoreCovered:   "#8ec843",
}

// LayerInput is the evidence a layer is built from. Only Techniques is
// required.
type LayerInput struct {
	Domain       string
	IncidentText string
	Techniques   []attack.Technique
	Triage       *llm.Triage
	Detections   *DetectionResult
	Mitigations  *MitigationResult
	Intel        *IntelResult
}

// BuildLayer scores each confirmed technique by defensive coverage: mapped
// telemetry and available mitigations each raise the score. A technique
// appears once per tactic.
func BuildLayer(in LayerInput) Layer {
	dataComponents := map[string]int{}
	if in.Detections != nil {
		for _, d := range in.Detections.Detections {
			dataComponents[d.Technique.ID] = d.Detection.TotalDataComponents
		}
	}
	mitigations := map[string]int{}
	if in.Mitigations != nil {
		for _, m := range in.Mitigations.Mitigations {
			mitigations[m.Technique.ID] = m.Count
		}
	}
	groups := map[string][]string{}
	if in.Intel != nil {
		for _, it := range in.Intel.Intel {
			for _, g := range it.Groups {
				groups[it.Technique.ID] = append(groups[it.Technique.ID], g.Name)
			}
		}
	}
	platforms := []string{llm.DefaultPlatform}
	var evidence map[string][]string
	if in.Triage != nil {
		platforms = in.Triage.CandidatePlatforms
		evidence = in.Triage.TechniqueEvidence
	}

	layer := Layer{
		Name:        LayerName,
		Versions:    LayerVersions{Attack: AttackVersion, Navigator: NavigatorVersion, Layer: LayerFormatVersion},
		Domain:      navigatorDomain(in.Domain),
		Description: llm.Truncate(strings.TrimSpace(in.IncidentText), 200),
		Filters:     LayerFilters{Platforms: platforms},
		Layout:      LayerLayout{Layout: "side", ShowID: true, ShowName: true},
		Techniques:  []LayerTechnique{},
		Gradient: LayerGradient{
			Colors:   []string{scoreColors[scoreUncovered], scoreColors[scorePartial], scoreColors[scoreCovered]},
			MinValue: scoreUncovered,
			MaxValue: scoreCovered,
		},
		LegendItems: []LegendItem{
			{Label: "No telemetry, no mitigations", Color: scoreColors[scoreUncovered]},
			{Label: "Telemetry or mitigations", Color: scoreColors[scorePartial]},
			{Label: "Telemetry and mitigations", Color: scoreColors[scoreCovered]},
		},
		ShowTacticRowBackground:       true,
		TacticRowBackground:           "#dddddd",
		SelectTechniquesAcrossTactics: true,
	}

	for _, t := range in.Techniques {
		dc, mc := dataComponents[t.ID], mitigations[t.ID]
		score := scoreUncovered
		if dc > 0 {
			score++
		}
		if mc > 0 {
			score++
		}
		comment := fmt.Sprintf("%s. Data components: %d. Mitigations: %d.", t.Name, dc, mc)
		if g := groups[t.ID]; len(g) > 0 {
			comment += " Used by: " + strings.Join(g, ", ") + "."
		}
		var meta []LayerMetadata
		for _, e := range evidence[t.ID] {
			meta = append(meta, LayerMetadata{Name: "evidence", Value: e})
		}
		tactics := t.Tactics
		if len(tactics) == 0 {
			tactics = []attack.Tactic{{}}
		}
		for _, tac := range tactics {
			layer.Techniques = append(layer.Techniques, LayerTechnique{
				TechniqueID:       t.ID,
				Tactic:            tac.Tactic,
				Score:             score,
				Color:             scoreColors[score],
				Comment:           comment,
				Enabled:           true,
				Metadata:          meta,
				ShowSubtechniques: strings.Contains(t.ID, "."),
			})
		}
	}
	return layer
}

func navigatorDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		d = attack.DefaultDomain
	}
	if strings.HasSuffix(d, "-attack") {
		return d
	}
	return d + "-attack"
}
