package core

import (
	"fmt"
	"sort"
	"sync"
)

// ConnectorRegistry holds the connectors the orchestrator can route to,
// keyed by connector type. Safe for concurrent use.
type ConnectorRegistry struct {
	mu         sync.RWMutex
	connectors map[ConnectorType]Connector
}

func NewConnectorRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{connectors: map[ConnectorType]Connector{}}
}

func (r *ConnectorRegistry) Register(connector Connector) error {
	if r == nil {
		return fmt.Errorf("core: connector registry is not configured")
	}
	if connector == nil {
		return fmt.Errorf("core: connector is required")
	}
	connectorType := connector.Type()
	if err := connectorType.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[connectorType]; exists {
		return fmt.Errorf("core: connector %q already registered", connectorType)
	}
	r.connectors[connectorType] = connector
	return nil
}

func (r *ConnectorRegistry) Resolve(connectorType ConnectorType) (Connector, error) {
	if r == nil {
		return nil, fmt.Errorf("core: connector registry is not configured")
	}
	r.mu.RLock()
	connector, ok := r.connectors[connectorType]
	r.mu.RUnlock()
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("core: connector %q is not registered", connectorType))
	}
	return connector, nil
}

func (r *ConnectorRegistry) Types() []ConnectorType {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	types := make([]ConnectorType, 0, len(r.connectors))
	for connectorType := range r.connectors {
		types = append(types, connectorType)
	}
	r.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *ConnectorRegistry) All() []Connector {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	connectors := make([]Connector, 0, len(r.connectors))
	for _, connectorType := range r.typesLocked() {
		connectors = append(connectors, r.connectors[connectorType])
	}
	return connectors
}

func (r *ConnectorRegistry) typesLocked() []ConnectorType {
	types := make([]ConnectorType, 0, len(r.connectors))
	for connectorType := range r.connectors {
		types = append(types, connectorType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
