package attack

import (
	"encoding/json"
	"strings"
)

// Technique is an attack-pattern.
type Technique struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	StixID      string   `json:"stix_id"`
	Description string   `json:"description,omitempty"`
	Tactics     []Tactic `json:"tactics,omitempty"`
}

// UnmarshalJSON accepts "attack_id" for the external id.
func (t *Technique) UnmarshalJSON(data []byte) error {
	type plain Technique
	var aux struct {
		plain
		AttackID string `json:"attack_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*t = Technique(aux.plain)
	if t.ID == "" {
		t.ID = aux.AttackID
	}
	return nil
}

// Tactic is a kill-chain phase.
type Tactic struct {
	Tactic   string `json:"tactic"`
	TacticID string `json:"tactic_id,omitempty"`
}

// UnmarshalJSON accepts a bare phase name or an object.
func (t *Tactic) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*t = Tactic{Tactic: name}
		return nil
	}
	var aux struct {
		Tactic   string `json:"tactic"`
		Name     string `json:"name"`
		TacticID string `json:"tactic_id"`
		ID       string `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Tactic = firstNonEmpty(aux.Tactic, aux.Name)
	t.TacticID = firstNonEmpty(aux.TacticID, aux.ID)
	return nil
}

// Actor is a group, a piece of software or a data component.
type Actor struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	StixID string `json:"stix_id,omitempty"`
}

// UnmarshalJSON accepts relationship entries of the form {"object": {...}}
// as well as flat objects, and "attack_id"/"external_id" for the id.
func (a *Actor) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID         string          `json:"id"`
		AttackID   string          `json:"attack_id"`
		ExternalID string          `json:"external_id"`
		Name       string          `json:"name"`
		StixID     string          `json:"stix_id"`
		Object     json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Object) > 0 && strings.HasPrefix(strings.TrimSpace(string(aux.Object)), "{") {
		return a.UnmarshalJSON(aux.Object)
	}
	a.Name = aux.Name
	a.StixID = aux.StixID
	a.ID = firstNonEmpty(aux.AttackID, aux.ExternalID)
	switch {
	case strings.Contains(aux.ID, "--"):
		if a.StixID == "" {
			a.StixID = aux.ID
		}
	case a.ID == "":
		a.ID = aux.ID
	}
	return nil
}

// DataComponents summarizes detection coverage for one technique.
type DataComponents struct {
	Count int      `json:"count"`
	Names []string `json:"names,omitempty"`
}

// Object is the subset of a raw STIX object used for detection fallback.
type Object struct {
	ID          string   `json:"id"`
	Type        string   `json:"type,omitempty"`
	Name        string   `json:"name"`
	DataSources []string `json:"x_mitre_data_sources,omitempty"`
	Detection   string   `json:"x_mitre_detection,omitempty"`
}

// Mitigation is a course of action.
type Mitigation struct {
	AttackID    string `json:"attack_id"`
	Name        string `json:"name"`
	StixID      string `json:"stix_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON accepts "id" for either the external id or the STIX id.
func (m *Mitigation) UnmarshalJSON(data []byte) error {
	type plain Mitigation
	var aux struct {
		plain
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Mitigation(aux.plain)
	switch {
	case aux.ID == "":
	case strings.Contains(aux.ID, "--"):
		if m.StixID == "" {
			m.StixID = aux.ID
		}
	case m.AttackID == "":
		m.AttackID = aux.ID
	}
	return nil
}

// Mitigations is the canonical mitigation lookup result.
type Mitigations struct {
	Found       bool         `json:"found"`
	Count       int          `json:"count"`
	Mitigations []Mitigation `json:"mitigations"`
	Formatted   string       `json:"formatted,omitempty"`
	Message     string       `json:"message,omitempty"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
