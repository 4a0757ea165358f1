package framework

import (
	"fmt"
	"strings"
)

// Render generates a Mermaid flowchart for a compiled plan. Conditional
// edges are dashed and labelled with their route.
func Render(p *Plan) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	for _, name := range p.names {
		fmt.Fprintf(&b, "    %s[%s]\n", sanitizeID(name), name)
	}
	fmt.Fprintf(&b, "    %s((end))\n", sanitizeID(End))

	for _, e := range p.edges {
		switch e.Kind {
		case Conditional:
			from := sanitizeID(e.From[0])
			for _, route := range e.routeNames() {
				for _, t := range e.Routes[route] {
					fmt.Fprintf(&b, "    %s -.->|%s| %s\n", from, route, sanitizeID(t))
				}
			}
		default:
			for _, f := range e.From {
				for _, t := range e.To {
					fmt.Fprintf(&b, "    %s --> %s\n", sanitizeID(f), sanitizeID(t))
				}
			}
		}
	}
	return b.String()
}

func sanitizeID(s string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(s)
}
