// Package attack turns raw ATT&CK tool responses into canonical types.
// Servers disagree on envelopes: some wrap the payload in "result", some
// return it at the top level, some signal misses with a "found" flag. Every
// method here accepts all of those and returns one shape.
package attack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mitreflow/internal/toolclient"
)

// Tool names called on the ATT&CK server.
const (
	toolTechniqueByID    = "get_technique_by_id"
	toolTechniqueTactics = "get_technique_tactics"
	toolGroups           = "get_groups_using_technique"
	toolSoftware         = "get_software_using_technique"
	toolDataComponents   = "get_datacomponents_detecting_technique"
	toolObject           = "get_object_by_stix_id"
	toolMitigations      = "get_mitigations_mitigating_technique"
)

// DefaultDomain is the ATT&CK domain used when none is configured.
const DefaultDomain = "enterprise"

// ErrNotFound is returned when the server reports no such object.
var ErrNotFound = errors.New("attack: not found")

// Caller performs one tool call. *toolclient.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) (*toolclient.Response, error)
}

// Client issues typed ATT&CK lookups for one domain.
type Client struct {
	caller Caller
	domain string
}

// New returns a Client over caller. An empty domain means DefaultDomain.
func New(caller Caller, domain string) *Client {
	if domain == "" {
		domain = DefaultDomain
	}
	return &Client{caller: caller, domain: domain}
}

// Domain returns the ATT&CK domain the client queries.
func (c *Client) Domain() string { return c.domain }

// Technique resolves an external technique id. It returns ErrNotFound when
// the server has no such technique.
func (c *Client) Technique(ctx context.Context, id string, includeDescription bool) (*Technique, error) {
	var out struct {
		Found     *bool      `json:"found"`
		Technique *Technique `json:"technique"`
	}
	err := c.call(ctx, toolTechniqueByID, map[string]any{
		"technique_id":        id,
		"domain":              c.domain,
		"include_description": includeDescription,
	}, &out)
	if err != nil {
		return nil, err
	}
	if (out.Found != nil && !*out.Found) || out.Technique == nil || out.Technique.ID == "" {
		return nil, fmt.Errorf("technique %s: %w", id, ErrNotFound)
	}
	return out.Technique, nil
}

// Tactics lists the tactics of a technique.
func (c *Client) Tactics(ctx context.Context, id string) ([]Tactic, error) {
	var out struct {
		Tactics []Tactic `json:"tactics"`
	}
	if err := c.call(ctx, toolTechniqueTactics, map[string]any{"technique_id": id, "domain": c.domain}, &out); err != nil {
		return nil, err
	}
	return out.Tactics, nil
}

// Groups lists intrusion sets known to use the technique.
func (c *Client) Groups(ctx context.Context, stixID string) ([]Actor, error) {
	var out struct {
		Groups []Actor `json:"groups"`
	}
	if err := c.call(ctx, toolGroups, c.stixArgs(stixID), &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// Software lists tools and malware known to implement the technique.
func (c *Client) Software(ctx context.Context, stixID string) ([]Actor, error) {
	var out struct {
		Software []Actor `json:"software"`
	}
	if err := c.call(ctx, toolSoftware, c.stixArgs(stixID), &out); err != nil {
		return nil, err
	}
	return out.Software, nil
}

// DataComponents lists the data components that detect the technique.
func (c *Client) DataComponents(ctx context.Context, stixID string) (*DataComponents, error) {
	var out struct {
		Count          *int    `json:"count"`
		DataComponents []Actor `json:"datacomponents"`
	}
	if err := c.call(ctx, toolDataComponents, c.stixArgs(stixID), &out); err != nil {
		return nil, err
	}
	dc := &DataComponents{Count: len(out.DataComponents)}
	if out.Count != nil && *out.Count > dc.Count {
		dc.Count = *out.Count
	}
	for _, a := range out.DataComponents {
		if a.Name != "" {
			dc.Names = append(dc.Names, a.Name)
		}
	}
	return dc, nil
}

// Object fetches the raw technique object, used as the detection fallback.
func (c *Client) Object(ctx context.Context, stixID string) (*Object, error) {
	var out struct {
		Object *Object `json:"object"`
	}
	raw, err := c.payload(ctx, toolObject, map[string]any{"stix_id": stixID, "domain": c.domain})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", toolObject, err)
	}
	if out.Object == nil {
		// Some servers return the object itself.
		var obj Object
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("%s: %w", toolObject, err)
		}
		out.Object = &obj
	}
	if out.Object.ID == "" && out.Object.Name == "" {
		return nil, fmt.Errorf("object %s: %w", stixID, ErrNotFound)
	}
	return out.Object, nil
}

// Mitigations lists courses of action for the technique. A technique with
// no mitigations yields an empty, non-nil result.
func (c *Client) Mitigations(ctx context.Context, stixID string, includeDescription bool) (*Mitigations, error) {
	args := c.stixArgs(stixID)
	args["include_description"] = includeDescription
	var out Mitigations
	if err := c.call(ctx, toolMitigations, args, &out); err != nil {
		return nil, err
	}
	if out.Mitigations == nil {
		out.Mitigations = []Mitigation{}
	}
	if out.Count < len(out.Mitigations) {
		out.Count = len(out.Mitigations)
	}
	out.Found = out.Count > 0
	return &out, nil
}

func (c *Client) stixArgs(stixID string) map[string]any {
	return map[string]any{"technique_stix_id": stixID, "domain": c.domain}
}

func (c *Client) call(ctx context.Context, tool string, args map[string]any, v any) error {
	raw, err := c.payload(ctx, tool, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w", tool, err)
	}
	return nil
}

// payload returns the response body with any "result" envelope removed.
func (c *Client) payload(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	resp, err := c.caller.Call(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}
	return unwrap(raw), nil
}

func unwrap(raw json.RawMessage) json.RawMessage {
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return raw
	}
	r := strings.TrimSpace(string(env.Result))
	if strings.HasPrefix(r, "{") {
		return env.Result
	}
	return raw
}
