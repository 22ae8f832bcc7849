package server

import (
	"context"
	"fmt"

	"connectrpc.com/connect"
)

// SessionService implements the session lifecycle procedures.
type SessionService struct {
	sessions *SessionStore
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions *SessionStore) *SessionService {
	return &SessionService{sessions: sessions}
}

// Create creates a new engine session.
func (s *SessionService) Create(
	ctx context.Context,
	req *connect.Request[CreateSessionRequest],
) (*connect.Response[CreateSessionResponse], error) {
	sess, err := s.sessions.Create(req.Msg.Name)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&CreateSessionResponse{
		SessionID: sess.ID,
	}), nil
}

// Destroy shuts a session's engine down and removes it.
func (s *SessionService) Destroy(
	ctx context.Context,
	req *connect.Request[DestroySessionRequest],
) (*connect.Response[DestroySessionResponse], error) {
	if req.Msg.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}

	if !s.sessions.Destroy(req.Msg.SessionID) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.SessionID))
	}
	return connect.NewResponse(&DestroySessionResponse{}), nil
}

// List returns the live sessions.
func (s *SessionService) List(
	ctx context.Context,
	req *connect.Request[ListSessionsRequest],
) (*connect.Response[ListSessionsResponse], error) {
	var infos []SessionInfo
	for _, sess := range s.sessions.List() {
		infos = append(infos, SessionInfo{
			ID:        sess.ID,
			Name:      sess.Name,
			Delegated: sess.facade.Delegated(),
		})
	}
	return connect.NewResponse(&ListSessionsResponse{Sessions: infos}), nil
}
