package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Subscribe starts one supervised event loop per registered connector and
// blocks until every loop has exited. A loop failure or panic is logged
// and retried with backoff; it never cancels a sibling. Cancelling ctx is
// the only way to stop the supervisor, and returns immediately when no
// connectors are registered.
func (s *Service) Subscribe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("core: service is not configured")
	}

	connectors := s.registry.All()
	if len(connectors) == 0 {
		s.logInfo(ctx, "no connectors registered, nothing to subscribe", nil)
		return nil
	}

	sink := s.sink
	if sink == nil {
		sink = EventSinkFunc(func(ctx context.Context, event Event) error {
			s.logInfo(ctx, "event received with no sink configured", map[string]any{
				"connector_type": event.Connector(),
				"event_type":     event.EventType(),
			})
			return nil
		})
	}

	var wg sync.WaitGroup
	for _, connector := range connectors {
		wg.Add(1)
		go func(connector Connector) {
			defer wg.Done()
			s.superviseConnector(ctx, connector, sink)
		}(connector)
	}
	wg.Wait()
	return nil
}

func (s *Service) superviseConnector(ctx context.Context, connector Connector, sink EventSink) {
	backoff := s.config.Subscriptions.RestartBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	maxRestarts := s.config.Subscriptions.MaxRestarts

	restarts := 0
	for {
		err := s.runConnectorLoop(ctx, connector, sink)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logError(ctx, "connector subscription exited", map[string]any{
				"connector_type": connector.Type(),
				"error":          err.Error(),
				"restarts":       restarts,
			})
		}

		restarts++
		if maxRestarts > 0 && restarts > maxRestarts {
			s.logError(ctx, "connector subscription giving up after repeated failures", map[string]any{
				"connector_type": connector.Type(),
				"restarts":       restarts - 1,
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// runConnectorLoop contains the panic boundary: a panicking connector must
// not take the supervisor or its siblings down.
func (s *Service) runConnectorLoop(ctx context.Context, connector Connector, sink EventSink) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("core: connector %s subscription panicked: %v", connector.Type(), recovered)
			s.logError(ctx, "connector subscription panicked", map[string]any{
				"connector_type": connector.Type(),
				"panic":          fmt.Sprint(recovered),
				"stack":          string(debug.Stack()),
			})
		}
	}()

	s.logInfo(ctx, "connector subscription starting", map[string]any{
		"connector_type": connector.Type(),
	})
	return connector.Subscribe(ctx, sink)
}
