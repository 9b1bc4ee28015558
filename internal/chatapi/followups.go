package chatapi

import (
	"context"
	"fmt"

	"github.com/egolab/egolab-web/internal/domain"
)

// FollowupEndpoint selects which polling endpoint the backend exposes.
type FollowupEndpoint string

const (
	// FollowupJobs polls GET /api/chat-followups/:jobId.
	FollowupJobs FollowupEndpoint = "jobs"
	// FollowupRequests polls GET /api/preprompts/:requestId.
	FollowupRequests FollowupEndpoint = "requests"
)

// ParseFollowupEndpoint validates an endpoint name.
func ParseFollowupEndpoint(s string) (FollowupEndpoint, error) {
	switch FollowupEndpoint(s) {
	case FollowupJobs, FollowupRequests:
		return FollowupEndpoint(s), nil
	default:
		return "", fmt.Errorf("unknown followup endpoint %q", s)
	}
}

// FollowupSource polls one of the two suggestion endpoints and knows which
// identifier of a reply to poll with.
type FollowupSource struct {
	client   *Client
	endpoint FollowupEndpoint
}

// NewFollowupSource binds a client to an endpoint shape.
func NewFollowupSource(client *Client, endpoint FollowupEndpoint) *FollowupSource {
	return &FollowupSource{client: client, endpoint: endpoint}
}

// Endpoint returns the configured endpoint shape.
func (s *FollowupSource) Endpoint() FollowupEndpoint {
	return s.endpoint
}

// Fetch polls the endpoint once.
func (s *FollowupSource) Fetch(ctx context.Context, key string) (*domain.FollowupJob, error) {
	if s.endpoint == FollowupRequests {
		return s.client.FetchPreprompts(ctx, key)
	}
	return s.client.FetchFollowupsJob(ctx, key)
}

// KeyFor returns the identifier to poll for reply, or "" when the reply
// already carries its suggestions or has nothing to poll.
func (s *FollowupSource) KeyFor(reply *Reply) string {
	if reply == nil || reply.HasInlineSuggestions() {
		return ""
	}
	if s.endpoint == FollowupRequests {
		return reply.RequestID
	}
	if reply.FollowupJobID != "" {
		return reply.FollowupJobID
	}
	return reply.RequestID
}
