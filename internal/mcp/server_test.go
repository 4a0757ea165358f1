package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	ds, err := DefaultDataset()
	if err != nil {
		t.Fatalf("DefaultDataset: %v", err)
	}
	return NewServer("test", ds, opts...)
}

func connectInMemory(t *testing.T, srv *Server) *sdkmcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := sdkmcp.NewInMemoryTransports()
	ss, err := srv.MCPServer.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() {
		session.Close()
		ss.Close()
	})
	return session
}

func callTool(t *testing.T, session *sdkmcp.ClientSession, name string, args map[string]any) *sdkmcp.CallToolResult {
	t.Helper()
	res, err := session.CallTool(context.Background(), &sdkmcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return res
}

func decode[T any](t *testing.T, res *sdkmcp.CallToolResult) T {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(res))
	}
	var out T
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return out
}

func resultText(res *sdkmcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestServer_ListsAllTools(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, tool := range res.Tools {
		got = append(got, tool.Name)
	}
	want := []string{
		ToolTechniqueByID, ToolTechniqueTactics, ToolGroupsUsing, ToolSoftwareUsing,
		ToolDataComponents, ToolObjectByStixID, ToolMitigationsMitigating,
	}
	for _, w := range want {
		found := false
		for _, g := range got {
			found = found || g == w
		}
		if !found {
			t.Errorf("tool %s not listed (got %v)", w, got)
		}
	}
}

func TestTechniqueByID(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))

	out := decode[techniqueByIDOutput](t, callTool(t, session, ToolTechniqueByID, map[string]any{
		"technique_id": "t1059.001", "domain": "enterprise", "include_description": false,
	}))
	want := techniqueByIDOutput{Found: true, Technique: &techniqueOut{
		ID: "T1059.001", Name: "PowerShell", StixID: "attack-pattern--970a3432-3237-47ad-bcca-7d8cbb217736",
	}}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("technique mismatch (-want +got):\n%s", diff)
	}

	missing := decode[techniqueByIDOutput](t, callTool(t, session, ToolTechniqueByID, map[string]any{"technique_id": "T9999"}))
	if missing.Found || missing.Technique != nil || !strings.Contains(missing.Message, "T9999") {
		t.Errorf("missing technique = %+v", missing)
	}
}

func TestTechniqueTactics(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))
	out := decode[tacticsOutput](t, callTool(t, session, ToolTechniqueTactics, map[string]any{"technique_id": "T1053.005"}))
	want := []tacticOut{
		{Tactic: "execution", TacticID: "TA0002"},
		{Tactic: "persistence", TacticID: "TA0003"},
		{Tactic: "privilege-escalation", TacticID: "TA0004"},
	}
	if diff := cmp.Diff(want, out.Tactics); diff != "" {
		t.Errorf("tactics mismatch (-want +got):\n%s", diff)
	}
}

func TestRelationshipTools(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))
	stix := map[string]any{"technique_stix_id": "attack-pattern--65f2d882-3f41-4d48-8a06-29af77ec9f90", "domain": "enterprise"}

	groups := decode[groupsOutput](t, callTool(t, session, ToolGroupsUsing, stix))
	if groups.Count != 5 || groups.Groups[0].Name != "APT28" {
		t.Errorf("groups = %+v", groups)
	}
	sw := decode[softwareOutput](t, callTool(t, session, ToolSoftwareUsing, stix))
	if sw.Count != 3 || sw.Software[0].Name != "Mimikatz" {
		t.Errorf("software = %+v", sw)
	}
	dc := decode[dataComponentsOutput](t, callTool(t, session, ToolDataComponents, stix))
	if dc.Count != 4 || dc.DataComponents[2].Object.Name != "Process Access" {
		t.Errorf("datacomponents = %+v", dc)
	}
}

func TestDataComponents_ZeroForObfuscation(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))
	dc := decode[dataComponentsOutput](t, callTool(t, session, ToolDataComponents,
		map[string]any{"technique_stix_id": "attack-pattern--b3d682b6-98f2-4fb0-aa3b-b4df007ca70a"}))
	if dc.Count != 0 || len(dc.DataComponents) != 0 {
		t.Errorf("datacomponents = %+v, want none", dc)
	}

	obj := decode[objectOutput](t, callTool(t, session, ToolObjectByStixID,
		map[string]any{"stix_id": "attack-pattern--b3d682b6-98f2-4fb0-aa3b-b4df007ca70a"}))
	if obj.Object.Type != "attack-pattern" || len(obj.Object.DataSources) != 4 || !strings.Contains(obj.Object.Detection, "EncodedCommand") {
		t.Errorf("object = %+v", obj.Object)
	}
}

func TestObjectByStixID_Group(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))
	obj := decode[objectOutput](t, callTool(t, session, ToolObjectByStixID,
		map[string]any{"stix_id": "intrusion-set--3753cc21-2dae-4dfb-8481-d004e74502cc"}))
	if obj.Object.Name != "FIN7" || obj.Object.Type != "intrusion-set" {
		t.Errorf("object = %+v", obj.Object)
	}
}

func TestMitigations(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))

	out := decode[mitigationsOutput](t, callTool(t, session, ToolMitigationsMitigating, map[string]any{
		"technique_stix_id":   "attack-pattern--df8b2a25-8bdf-4856-953c-a04372b1c161",
		"include_description": true,
	}))
	if !out.Found || out.Count != 1 || out.Mitigations[0].AttackID != "M1031" || out.Mitigations[0].Description == "" {
		t.Errorf("mitigations = %+v", out)
	}
	if out.Formatted != "- M1031 Network Intrusion Prevention" {
		t.Errorf("formatted = %q", out.Formatted)
	}

	none := decode[mitigationsOutput](t, callTool(t, session, ToolMitigationsMitigating, map[string]any{
		"technique_stix_id": "attack-pattern--9efb1ea7-c37b-4595-9640-b7680cd84279",
	}))
	if none.Found || none.Count != 0 || none.Message == "" {
		t.Errorf("mitigations = %+v, want not found", none)
	}
}

func TestToolErrors(t *testing.T) {
	session := connectInMemory(t, newTestServer(t))
	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{"unsupported domain", ToolTechniqueByID, map[string]any{"technique_id": "T1105", "domain": "mobile"}, "unsupported domain"},
		{"unknown stix id", ToolGroupsUsing, map[string]any{"technique_stix_id": "attack-pattern--nope"}, "not found"},
		{"blank stix id", ToolSoftwareUsing, map[string]any{"technique_stix_id": "  "}, "required"},
		{"unknown object", ToolObjectByStixID, map[string]any{"stix_id": "malware--nope"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := callTool(t, session, tt.tool, tt.args)
			if !res.IsError {
				t.Fatalf("expected tool error, got %+v", res.StructuredContent)
			}
			if !strings.Contains(resultText(res), tt.want) {
				t.Errorf("error text %q, want it to mention %q", resultText(res), tt.want)
			}
		})
	}
}

func TestFailNext(t *testing.T) {
	srv := newTestServer(t)
	session := connectInMemory(t, srv)
	args := map[string]any{"technique_id": "T1105"}

	srv.FailNext(ToolTechniqueByID, 2)
	for i := 0; i < 2; i++ {
		if res := callTool(t, session, ToolTechniqueByID, args); !res.IsError {
			t.Fatalf("call %d should fail", i)
		}
	}
	decode[techniqueByIDOutput](t, callTool(t, session, ToolTechniqueByID, args))

	srv.FailNext(ToolTechniqueByID, -1)
	if res := callTool(t, session, ToolTechniqueByID, args); !res.IsError {
		t.Fatal("persistent fault should fail")
	}
	srv.FailNext(ToolTechniqueByID, 0)
	decode[techniqueByIDOutput](t, callTool(t, session, ToolTechniqueByID, args))

	if got := srv.Calls(ToolTechniqueByID); got != 5 {
		t.Errorf("Calls = %d, want 5", got)
	}
}

func TestLoadDataset_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no domain", "techniques: []", "domain is required"},
		{"bad yaml", "domain: [", "parse dataset"},
		{"missing stix", "domain: enterprise\ntechniques:\n  - {id: T1}", "needs id and stix_id"},
		{"dangling group", "domain: enterprise\ntechniques:\n  - {id: T1, stix_id: s1, groups: [G1]}", "unknown group G1"},
		{"dangling tactic", "domain: enterprise\ntechniques:\n  - {id: T1, stix_id: s1, tactics: [TA9]}", "unknown tactic TA9"},
		{"duplicate", "domain: enterprise\ntechniques:\n  - {id: T1, stix_id: s1}\n  - {id: T1, stix_id: s2}", "duplicate technique T1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDataset([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDefaultDataset_Index(t *testing.T) {
	ds, err := DefaultDataset()
	if err != nil {
		t.Fatal(err)
	}
	if len(ds.TechniqueIDs()) != 8 {
		t.Errorf("techniques = %v", ds.TechniqueIDs())
	}
	if !ds.supports("enterprise-attack") || ds.supports("ics") {
		t.Error("domain matching is wrong")
	}
}
