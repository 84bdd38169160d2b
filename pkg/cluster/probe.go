package cluster

import "context"

// ProcessProbe reports GREEN when its process kind is operational anywhere in
// the cluster and RED otherwise.
type ProcessProbe struct {
    Registry *OperationalRegistry
    Kind     ProcessKind
    Details  NodeDetails
}

func (p ProcessProbe) Probe(ctx context.Context) (NodeHealth, error) {
    if err := ctx.Err(); err != nil { return NodeHealth{}, err }
    if p.Registry.IsOperational(p.Kind, true) {
        return NodeHealth{Status: StatusGreen, Details: p.Details}, nil
    }
    return NodeHealth{Status: StatusRed, Causes: []string{p.Kind.Display() + " is not operational"}, Details: p.Details}, nil
}
