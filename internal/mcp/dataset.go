package mcp

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/enterprise.yaml
var enterpriseYAML []byte

// Ref names an ATT&CK object by its external id, STIX id and display name.
type Ref struct {
	ID     string `yaml:"id" json:"id"`
	StixID string `yaml:"stix_id" json:"stix_id"`
	Name   string `yaml:"name" json:"name"`
}

// MitigationRecord is a course-of-action entry.
type MitigationRecord struct {
	Ref         `yaml:",inline"`
	Description string `yaml:"description"`
}

// TechniqueRecord is one attack-pattern with its relationships resolved by
// external id.
type TechniqueRecord struct {
	Ref            `yaml:",inline"`
	Description    string   `yaml:"description"`
	Tactics        []string `yaml:"tactics"`
	DataSources    []string `yaml:"data_sources"`
	Detection      string   `yaml:"detection"`
	DataComponents []string `yaml:"datacomponents"`
	Groups         []string `yaml:"groups"`
	Software       []string `yaml:"software"`
	Mitigations    []string `yaml:"mitigations"`
}

// Dataset is an indexed ATT&CK knowledge base for a single domain.
type Dataset struct {
	Domain      string             `yaml:"domain"`
	Release     string             `yaml:"release"`
	Tactics     map[string]string  `yaml:"tactics"`
	Techniques  []TechniqueRecord  `yaml:"techniques"`
	Groups      []Ref              `yaml:"groups"`
	Software    []Ref              `yaml:"software"`
	Mitigations []MitigationRecord `yaml:"mitigations"`

	byID     map[string]*TechniqueRecord
	byStix   map[string]*TechniqueRecord
	groups   map[string]Ref
	software map[string]Ref
	mits     map[string]MitigationRecord
}

// DefaultDataset returns the bundled Enterprise subset.
func DefaultDataset() (*Dataset, error) {
	return LoadDataset(enterpriseYAML)
}

// LoadDatasetFile reads a dataset from a YAML file.
func LoadDatasetFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	return LoadDataset(data)
}

// LoadDataset parses and indexes a dataset, rejecting dangling references.
func LoadDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	if ds.Domain == "" {
		return nil, fmt.Errorf("dataset: domain is required")
	}
	if err := ds.index(); err != nil {
		return nil, err
	}
	return &ds, nil
}

func (ds *Dataset) index() error {
	ds.byID = make(map[string]*TechniqueRecord, len(ds.Techniques))
	ds.byStix = make(map[string]*TechniqueRecord, len(ds.Techniques))
	ds.groups = indexRefs(ds.Groups)
	ds.software = indexRefs(ds.Software)
	ds.mits = make(map[string]MitigationRecord, len(ds.Mitigations))
	for _, m := range ds.Mitigations {
		ds.mits[m.ID] = m
	}

	for i := range ds.Techniques {
		t := &ds.Techniques[i]
		if t.ID == "" || t.StixID == "" {
			return fmt.Errorf("dataset: technique %d needs id and stix_id", i)
		}
		if _, dup := ds.byID[t.ID]; dup {
			return fmt.Errorf("dataset: duplicate technique %s", t.ID)
		}
		ds.byID[t.ID] = t
		ds.byStix[t.StixID] = t

		for _, id := range t.Tactics {
			if _, ok := ds.Tactics[id]; !ok {
				return fmt.Errorf("dataset: %s references unknown tactic %s", t.ID, id)
			}
		}
		if err := checkRefs(t.ID, "group", t.Groups, ds.groups); err != nil {
			return err
		}
		if err := checkRefs(t.ID, "software", t.Software, ds.software); err != nil {
			return err
		}
		for _, id := range t.Mitigations {
			if _, ok := ds.mits[id]; !ok {
				return fmt.Errorf("dataset: %s references unknown mitigation %s", t.ID, id)
			}
		}
	}
	return nil
}

func indexRefs(refs []Ref) map[string]Ref {
	m := make(map[string]Ref, len(refs))
	for _, r := range refs {
		m[r.ID] = r
	}
	return m
}

func checkRefs(owner, kind string, ids []string, known map[string]Ref) error {
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return fmt.Errorf("dataset: %s references unknown %s %s", owner, kind, id)
		}
	}
	return nil
}

// Technique looks a technique up by external id, case-insensitively.
func (ds *Dataset) Technique(id string) (*TechniqueRecord, bool) {
	t, ok := ds.byID[strings.ToUpper(strings.TrimSpace(id))]
	return t, ok
}

// TechniqueByStix looks a technique up by STIX id.
func (ds *Dataset) TechniqueByStix(stixID string) (*TechniqueRecord, bool) {
	t, ok := ds.byStix[strings.TrimSpace(stixID)]
	return t, ok
}

// TechniqueIDs returns every technique id in sorted order.
func (ds *Dataset) TechniqueIDs() []string {
	ids := make([]string, 0, len(ds.byID))
	for id := range ds.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// supports reports whether domain names this dataset. Both the short form
// and the STIX collection name are accepted.
func (ds *Dataset) supports(domain string) bool {
	d := strings.ToLower(strings.TrimSpace(domain))
	return d == "" || d == ds.Domain || d == ds.Domain+"-attack"
}
