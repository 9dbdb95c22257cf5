package query

import (
	"context"

	"github.com/goliatone/go-integrations/core"
)

// Reader is the read-only surface of the integration runtime.
type Reader interface {
	Health(ctx context.Context) core.HealthReport
	ConnectionStatus(ctx context.Context, identity core.ProviderIdentity) (core.ConnectionStatus, error)
	Connections(userID string) []core.ProviderIdentity
}

type HealthQuery struct {
	reader Reader
}

func NewHealthQuery(reader Reader) *HealthQuery {
	return &HealthQuery{reader: reader}
}

func (q *HealthQuery) Query(ctx context.Context, _ HealthMessage) (core.HealthReport, error) {
	if q == nil || q.reader == nil {
		return core.HealthReport{}, queryDependencyError("query: health reader is required")
	}
	return q.reader.Health(ctx), nil
}

type ConnectionStatusQuery struct {
	reader Reader
}

func NewConnectionStatusQuery(reader Reader) *ConnectionStatusQuery {
	return &ConnectionStatusQuery{reader: reader}
}

func (q *ConnectionStatusQuery) Query(ctx context.Context, msg ConnectionStatusMessage) (core.ConnectionStatus, error) {
	if q == nil || q.reader == nil {
		return core.ConnectionStatus{}, queryDependencyError("query: connection reader is required")
	}
	return q.reader.ConnectionStatus(ctx, msg.Identity())
}

type ListConnectionsQuery struct {
	reader Reader
}

func NewListConnectionsQuery(reader Reader) *ListConnectionsQuery {
	return &ListConnectionsQuery{reader: reader}
}

func (q *ListConnectionsQuery) Query(_ context.Context, msg ListConnectionsMessage) ([]core.ProviderIdentity, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: connection reader is required")
	}
	return q.reader.Connections(msg.UserID), nil
}
