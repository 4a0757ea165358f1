package attack

import (
	"context"
	"errors"
	"testing"

	"mitreflow/internal/mcp"
	"mitreflow/internal/toolclient"

	"github.com/google/go-cmp/cmp"
)

// scripted answers each tool with a canned JSON text body.
type scripted struct {
	bodies map[string]string
	args   map[string]map[string]any
}

func (s *scripted) Call(_ context.Context, name string, args map[string]any) (*toolclient.Response, error) {
	if s.args == nil {
		s.args = map[string]map[string]any{}
	}
	s.args[name] = args
	body, ok := s.bodies[name]
	if !ok {
		return nil, &toolclient.ToolInvocationError{Tool: name, Message: "unknown tool"}
	}
	return &toolclient.Response{Tool: name, Text: body}, nil
}

func TestTechnique_Envelopes(t *testing.T) {
	want := &Technique{ID: "T1059.001", Name: "PowerShell", StixID: "attack-pattern--1"}
	tests := []struct {
		name string
		body string
	}{
		{"top level", `{"found": true, "technique": {"id": "T1059.001", "name": "PowerShell", "stix_id": "attack-pattern--1"}}`},
		{"result wrapped", `{"result": {"found": true, "technique": {"id": "T1059.001", "name": "PowerShell", "stix_id": "attack-pattern--1"}}}`},
		{"attack_id alias", `{"technique": {"attack_id": "T1059.001", "name": "PowerShell", "stix_id": "attack-pattern--1"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&scripted{bodies: map[string]string{toolTechniqueByID: tt.body}}, "")
			got, err := c.Technique(context.Background(), "T1059.001", false)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("technique mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTechnique_NotFound(t *testing.T) {
	for _, body := range []string{`{"found": false, "message": "nope"}`, `{"result": {"found": false}}`, `{}`} {
		c := New(&scripted{bodies: map[string]string{toolTechniqueByID: body}}, "")
		if _, err := c.Technique(context.Background(), "T0000", false); !errors.Is(err, ErrNotFound) {
			t.Errorf("body %s: err = %v, want ErrNotFound", body, err)
		}
	}
}

func TestTechnique_SendsDomainAndDescriptionFlag(t *testing.T) {
	s := &scripted{bodies: map[string]string{toolTechniqueByID: `{"found": true, "technique": {"id": "T1"}}`}}
	if _, err := New(s, "ics").Technique(context.Background(), "T1", true); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"technique_id": "T1", "domain": "ics", "include_description": true}
	if diff := cmp.Diff(want, s.args[toolTechniqueByID]); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
}

func TestTactics_StringsOrObjects(t *testing.T) {
	s := &scripted{bodies: map[string]string{
		toolTechniqueTactics: `{"result": {"tactics": ["execution", {"name": "persistence", "id": "TA0003"}]}}`,
	}}
	got, err := New(s, "").Tactics(context.Background(), "T1053.005")
	if err != nil {
		t.Fatal(err)
	}
	want := []Tactic{{Tactic: "execution"}, {Tactic: "persistence", TacticID: "TA0003"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tactics mismatch (-want +got):\n%s", diff)
	}
}

func TestGroups_RelationshipEntries(t *testing.T) {
	s := &scripted{bodies: map[string]string{
		toolGroups: `{"result": {"groups": [
			{"object": {"id": "intrusion-set--1", "name": "APT28", "external_id": "G0007"}},
			{"id": "G0016", "name": "APT29", "stix_id": "intrusion-set--2"}
		]}}`,
	}}
	got, err := New(s, "").Groups(context.Background(), "attack-pattern--1")
	if err != nil {
		t.Fatal(err)
	}
	want := []Actor{
		{ID: "G0007", Name: "APT28", StixID: "intrusion-set--1"},
		{ID: "G0016", Name: "APT29", StixID: "intrusion-set--2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("groups mismatch (-want +got):\n%s", diff)
	}
}

func TestDataComponents_CountFallsBackToEntries(t *testing.T) {
	tests := []struct {
		body string
		want *DataComponents
	}{
		{`{"count": 2, "datacomponents": [{"object": {"name": "Process Creation"}}, {"name": "Command Execution"}]}`,
			&DataComponents{Count: 2, Names: []string{"Process Creation", "Command Execution"}}},
		{`{"datacomponents": [{"object": {"name": "File Creation"}}]}`,
			&DataComponents{Count: 1, Names: []string{"File Creation"}}},
		{`{"count": 0, "datacomponents": []}`, &DataComponents{}},
	}
	for _, tt := range tests {
		s := &scripted{bodies: map[string]string{toolDataComponents: tt.body}}
		got, err := New(s, "").DataComponents(context.Background(), "attack-pattern--1")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s: mismatch (-want +got):\n%s", tt.body, diff)
		}
	}
}

func TestObject_WrappedOrBare(t *testing.T) {
	for _, body := range []string{
		`{"object": {"id": "attack-pattern--1", "name": "X", "x_mitre_detection": "watch it"}}`,
		`{"id": "attack-pattern--1", "name": "X", "x_mitre_detection": "watch it"}`,
	} {
		s := &scripted{bodies: map[string]string{toolObject: body}}
		got, err := New(s, "").Object(context.Background(), "attack-pattern--1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Detection != "watch it" || got.ID != "attack-pattern--1" {
			t.Errorf("%s: object = %+v", body, got)
		}
	}
}

func TestMitigations_Normalized(t *testing.T) {
	s := &scripted{bodies: map[string]string{
		toolMitigations: `{"result": {"mitigations": [
			{"id": "M1031", "name": "Network Intrusion Prevention", "stix_id": "course-of-action--1"},
			{"attack_id": "M1049", "id": "course-of-action--2", "name": "Antivirus/Antimalware"}
		]}}`,
	}}
	got, err := New(s, "").Mitigations(context.Background(), "attack-pattern--1", false)
	if err != nil {
		t.Fatal(err)
	}
	want := &Mitigations{Found: true, Count: 2, Mitigations: []Mitigation{
		{AttackID: "M1031", Name: "Network Intrusion Prevention", StixID: "course-of-action--1"},
		{AttackID: "M1049", Name: "Antivirus/Antimalware", StixID: "course-of-action--2"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mitigations mismatch (-want +got):\n%s", diff)
	}

	s.bodies[toolMitigations] = `{"found": false, "message": "none"}`
	empty, err := New(s, "").Mitigations(context.Background(), "attack-pattern--1", false)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Found || empty.Count != 0 || empty.Mitigations == nil {
		t.Errorf("empty = %+v", empty)
	}
}

func TestToolErrorsPropagate(t *testing.T) {
	c := New(&scripted{}, "")
	var tie *toolclient.ToolInvocationError
	if _, err := c.Groups(context.Background(), "x"); !errors.As(err, &tie) {
		t.Errorf("err = %v, want ToolInvocationError", err)
	}
}

func TestClient_AgainstLocalServer(t *testing.T) {
	ds, err := mcp.DefaultDataset()
	if err != nil {
		t.Fatal(err)
	}
	srv := mcp.NewServer("test", ds)
	tc := toolclient.New(toolclient.ServerEndpoint{Server: srv.MCPServer})
	t.Cleanup(func() { tc.Close() })
	c := New(tc, "enterprise")
	ctx := context.Background()

	tech, err := c.Technique(ctx, "T1003.001", true)
	if err != nil {
		t.Fatal(err)
	}
	if tech.Name != "LSASS Memory" || tech.Description == "" {
		t.Errorf("technique = %+v", tech)
	}
	tactics, err := c.Tactics(ctx, tech.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Tactic{{Tactic: "credential-access", TacticID: "TA0006"}}, tactics); diff != "" {
		t.Errorf("tactics mismatch (-want +got):\n%s", diff)
	}
	sw, err := c.Software(ctx, tech.StixID)
	if err != nil {
		t.Fatal(err)
	}
	if len(sw) != 3 || sw[0] != (Actor{ID: "S0002", Name: "Mimikatz", StixID: "tool--afc079f3-c0ea-4096-b75d-3f05338b7f60"}) {
		t.Errorf("software = %+v", sw)
	}
	dc, err := c.DataComponents(ctx, tech.StixID)
	if err != nil {
		t.Fatal(err)
	}
	if dc.Count != 4 {
		t.Errorf("datacomponents = %+v", dc)
	}
	obj, err := c.Object(ctx, tech.StixID)
	if err != nil {
		t.Fatal(err)
	}
	if len(obj.DataSources) != 4 {
		t.Errorf("object = %+v", obj)
	}
	mits, err := c.Mitigations(ctx, tech.StixID, false)
	if err != nil {
		t.Fatal(err)
	}
	if mits.Count != 4 || mits.Mitigations[0].AttackID != "M1043" {
		t.Errorf("mitigations = %+v", mits)
	}

	if _, err := c.Technique(ctx, "T0000", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing technique err = %v", err)
	}
}
