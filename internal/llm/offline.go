package llm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Offline is a deterministic Analyst that works without a model. It
// recognizes explicit technique ids and a fixed set of behavioral
// indicators, and writes reports from the evidence alone.
type Offline struct{}

// NewOffline returns the offline analyst.
func NewOffline() *Offline { return &Offline{} }

type indicator struct {
	technique string
	behavior  string
	needles   []string
}

var indicators = []indicator{
	{"T1059.001", "PowerShell execution", []string{"powershell", "pwsh"}},
	{"T1027", "Encoded or obfuscated command line", []string{"-encodedcommand", "-enc ", "frombase64string", "base64"}},
	{"T1053.005", "Scheduled task creation", []string{"schtasks", "scheduled task"}},
	{"T1218.011", "Rundll32 proxy execution", []string{"rundll32"}},
	{"T1003.001", "LSASS credential access", []string{"lsass", "mimikatz", "sekurlsa", "procdump"}},
	{"T1547.001", "Registry run key persistence", []string{`currentversion\run`, "run key", "startup folder"}},
	{"T1105", "Tool transfer from external host", []string{"certutil", "bitsadmin", "downloadstring", "invoke-webrequest", "wget ", "curl "}},
	{"T1071.001", "Web protocol command and control", []string{"http://", "https://", "beacon"}},
}

var (
	explicitIDs = regexp.MustCompile(`\bT\d{4}(?:\.\d{3})?\b`)
	processRe   = regexp.MustCompile(`(?i)\b[\w.-]+\.exe\b`)
	artifactRe  = regexp.MustCompile(`(?i)(?:[a-z]:\\|\\\\|/tmp/|%\w+%\\)[^\s"']+\.(?:ps1|dll|bat|vbs|js|hta|exe|zip)`)
	networkRe   = regexp.MustCompile(`(?i)\bhttps?://[^\s"']+|\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`)
)

// Triage maps explicit ids and indicator hits to candidate techniques.
func (Offline) Triage(ctx context.Context, req TriageRequest) (*Triage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	incidentText := req.IncidentText
	lines := strings.Split(incidentText, "\n")
	t := &Triage{TechniqueEvidence: map[string][]string{}}

	for _, id := range explicitIDs.FindAllString(incidentText, -1) {
		t.TechniqueEvidence[id] = append(t.TechniqueEvidence[id], "referenced as "+id)
	}
	for _, ind := range indicators {
		for _, line := range lines {
			low := strings.ToLower(line)
			for _, n := range ind.needles {
				if strings.Contains(low, n) {
					t.TechniqueEvidence[ind.technique] = append(t.TechniqueEvidence[ind.technique], Truncate(strings.TrimSpace(line), 80))
					t.SuspectedBehaviors = append(t.SuspectedBehaviors, ind.behavior)
					t.Keywords = append(t.Keywords, strings.TrimSpace(n))
					break
				}
			}
		}
	}

	t.CandidatePlatforms = platforms(incidentText)
	t.Summary = fmt.Sprintf("Offline triage found %d candidate technique(s) across %d indicator line(s): %s.",
		len(t.TechniqueEvidence), countNonEmpty(lines), strings.Join(Dedupe(t.SuspectedBehaviors, 4), "; "))
	if len(t.TechniqueEvidence) == 0 {
		t.Summary = "Offline triage found no recognizable technique indicators."
	}
	SanitizeTriage(t)
	return t, Validate(t)
}

func platforms(text string) []string {
	low := strings.ToLower(text)
	var out []string
	if strings.Contains(low, ".exe") || strings.Contains(low, "powershell") || strings.Contains(low, `hklm\`) || strings.Contains(low, `hkcu\`) {
		out = append(out, "Windows")
	}
	if strings.Contains(low, "/bin/") || strings.Contains(low, "/tmp/") || strings.Contains(low, "bash") {
		out = append(out, "Linux")
	}
	return out
}

func countNonEmpty(lines []string) int {
	n := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}

// Hypotheses returns two telemetry-driven hunts for the technique.
func (Offline) Hypotheses(ctx context.Context, req HypothesisRequest) (*Hypotheses, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := req.TechniqueName
	if name == "" {
		name = req.TechniqueID
	}
	h := &Hypotheses{
		TechniqueID:   req.TechniqueID,
		TechniqueName: req.TechniqueName,
		Hypotheses: []Hypothesis{
			{
				Title: fmt.Sprintf("Hunt for %s in process command lines", name),
				Telemetry: []string{
					"Process creation with command line (Sysmon EID 1, Security 4688)",
					"Script block logging (PowerShell 4104)",
					"EDR process lineage",
				},
				Rationale:  fmt.Sprintf("No data components are mapped for %s; command-line and script content carry the strongest signal for it.", req.TechniqueID),
				Confidence: "medium",
			},
			{
				Title: fmt.Sprintf("Correlate %s with follow-on network and file activity", name),
				Telemetry: []string{
					"File creation events (Sysmon EID 11)",
					"Network connections (Sysmon EID 3, proxy, DNS)",
				},
				Rationale:  "Behavior immediately after the suspicious execution often exposes the payload even when the technique itself is hard to observe.",
				Confidence: "low",
			},
		},
	}
	SanitizeHypotheses(h)
	return h, Validate(h)
}

// Report assembles an executive report straight from the context.
func (Offline) Report(ctx context.Context, rc ReportContext) (*ExecutiveReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &ExecutiveReport{
		Title:              Truncate(reportTitle(rc), 140),
		ExecutiveSummary:   Truncate(executiveSummary(rc), 900),
		MappedTechniques:   clamp(rc.MappedTechniques, 20),
		NavigatorLayerPath: rc.NavigatorLayerPath,
		IOCs: IOCs{
			SuspectedArtifacts:  uniqueMatches(artifactRe, rc.IncidentText),
			SuspiciousProcesses: uniqueMatches(processRe, rc.IncidentText),
			SuspiciousNetwork:   uniqueMatches(networkRe, rc.IncidentText),
		},
	}
	if len(r.MappedTechniques) == 0 {
		r.MappedTechniques = []string{"unknown"}
	}

	for i, m := range clamp(rc.MappedTechniques, 12) {
		r.LikelyAttackFlow = append(r.LikelyAttackFlow, fmt.Sprintf("Step %d: %s", i+1, m))
	}
	r.LikelyAttackFlow = pad(r.LikelyAttackFlow, 3,
		"Initial access vector unknown; review email and web gateway logs.",
		"Further sequencing unknown; review the endpoint timeline.",
		"Impact unknown; scope affected hosts and accounts.")

	r.NotableGroupsSoftware = clamp(rc.IntelSummary, 30)

	for _, d := range rc.DetectionContext {
		if d.DataComponents > 0 {
			r.DetectionRecommendations = append(r.DetectionRecommendations,
				fmt.Sprintf("%s: monitor %s", d.TechniqueID, strings.Join(clamp(d.Top, 3), ", ")))
		}
	}
	for _, h := range rc.Hypotheses {
		for _, x := range h.Hypotheses {
			r.DetectionRecommendations = append(r.DetectionRecommendations, fmt.Sprintf("%s: %s", h.TechniqueID, x.Title))
		}
	}
	r.DetectionRecommendations = pad(clamp(r.DetectionRecommendations, 20), 3,
		"Enable process creation auditing with full command lines.",
		"Centralize EDR, DNS and proxy logs for correlation.",
		"Alert on script interpreters spawned by office or browser processes.")

	for _, m := range rc.MitigationsContext {
		if len(m.Top) > 0 {
			r.ImmediateActions = append(r.ImmediateActions, fmt.Sprintf("Apply %s for %s", m.Top[0], m.TechniqueID))
		}
	}
	r.ImmediateActions = pad(clamp(r.ImmediateActions, 12), 3,
		"Isolate affected hosts from the network.",
		"Reset credentials for accounts active on affected hosts.",
		"Block observed network indicators at the perimeter.")

	return r, Validate(r)
}

func reportTitle(rc ReportContext) string {
	if len(rc.MappedTechniques) == 0 {
		return "Incident Investigation Report"
	}
	return "Incident Investigation: " + rc.MappedTechniques[0]
}

func executiveSummary(rc ReportContext) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(rc.TriageSummary))
	fmt.Fprintf(&b, " %d technique(s) confirmed", len(rc.MappedTechniques))
	gaps := 0
	for _, d := range rc.DetectionContext {
		if d.DataComponents == 0 {
			gaps++
		}
	}
	if gaps > 0 {
		fmt.Fprintf(&b, "; %d lack mapped detection telemetry", gaps)
	}
	b.WriteString(".")
	return strings.TrimSpace(b.String())
}

func uniqueMatches(re *regexp.Regexp, text string) []string {
	found := Dedupe(re.FindAllString(text, -1), 25)
	sort.Strings(found)
	return found
}

func clamp(xs []string, n int) []string {
	if len(xs) > n {
		xs = xs[:n]
	}
	return append([]string(nil), xs...)
}

func pad(xs []string, min int, fill ...string) []string {
	for i := 0; len(xs) < min && i < len(fill); i++ {
		xs = append(xs, fill[i])
	}
	return xs
}
