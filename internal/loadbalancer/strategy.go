package loadbalancer

import "fmt"

// Strategy picks which provider endpoint receives the next LLM call.
type Strategy interface {
	// Next selects a target from the currently healthy set
	Next(targets []string) string

	// Name returns the strategy name
	Name() string
}

// NewStrategy creates a strategy by name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "round-robin", "round_robin", "":
		return NewRoundRobin(), nil
	case "random":
		return NewRandom(), nil
	case "least-connections", "least_connections":
		return NewLeastConnections(), nil
	default:
		return nil, fmt.Errorf("unknown load balancing strategy: %s", name)
	}
}
