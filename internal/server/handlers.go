package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fileverse/collab-relay/internal/protocol"
	"github.com/fileverse/collab-relay/internal/session"
	"github.com/fileverse/collab-relay/internal/store"
	"github.com/fileverse/collab-relay/internal/tokens"
)

// Session types reported in /auth replies.
const (
	sessionTypeNew      = "new"
	sessionTypeExisting = "existing"
)

// dispatchCommand routes one parsed request to its handler.
func (s *Server) dispatchCommand(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	switch req.Cmd {
	case protocol.CmdAuth:
		return s.handleAuth(ctx, c, req)
	case protocol.CmdUpdate:
		return s.handleUpdate(ctx, c, req)
	case protocol.CmdCommit:
		return s.handleCommit(ctx, c, req)
	case protocol.CmdUpdateHistory:
		return s.handleUpdateHistory(ctx, c, req)
	case protocol.CmdCommitHistory:
		return s.handleCommitHistory(ctx, c, req)
	case protocol.CmdPeersList:
		return s.handlePeersList(ctx, c, req)
	case protocol.CmdAwareness:
		return s.handleAwareness(ctx, c, req)
	case protocol.CmdTerminate:
		return s.handleTerminate(ctx, c, req)
	default:
		return protocol.Error(req.SeqID, protocol.StatusNotFound, "no such command")
	}
}

// failure maps an error to its wire status. Verification failures surface
// as 401 even when caused by registry unavailability: intent is
// indistinguishable from forgery. Everything unexpected is a logged 500
// with a generic message.
func failure(seqID, cmd string, err error) protocol.Response {
	switch {
	case errors.Is(err, tokens.ErrInvalidToken), errors.Is(err, tokens.ErrUnknownOwner):
		return protocol.Error(seqID, protocol.StatusUnauthorized, "token verification failed")
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrSessionNotFound):
		return protocol.Error(seqID, protocol.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrSessionTerminated):
		return protocol.Error(seqID, protocol.StatusNotFound, "session terminated")
	default:
		slog.Error("Command failed", "cmd", cmd, "error", err)
		return protocol.Error(seqID, protocol.StatusInternal, "internal error")
	}
}

func badArgs(seqID, msg string) protocol.Response {
	return protocol.Error(seqID, protocol.StatusBadRequest, msg)
}

// requireAuth returns the socket's session binding or a 401 response.
func requireAuth(c *Conn, seqID string) (documentID, sessionDid, role string, resp *protocol.Response) {
	documentID, sessionDid, role, ok := c.session()
	if !ok {
		r := protocol.Error(seqID, protocol.StatusUnauthorized, "authenticate first")
		return "", "", "", &r
	}
	return documentID, sessionDid, role, nil
}

func (s *Server) verifyCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.VerifyTimeout)
}

// handleAuth runs session setup or join. The first successful owner auth
// for an unused pair creates the session; later auths join it, with the
// owner role recomputed from the supplied tokens on every call.
func (s *Server) handleAuth(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	var args protocol.AuthArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed auth args")
	}
	if args.DocumentID == "" || args.SessionDid == "" {
		return badArgs(req.SeqID, "documentId and sessionDid are required")
	}

	var (
		role        string
		sessionType string
		roomInfo    json.RawMessage
	)

	existing, err := s.sessions.GetSession(ctx, args.DocumentID, args.SessionDid)
	switch {
	case errors.Is(err, session.ErrNotFound), err == nil && existing.State == store.StateInactive:
		// Setup: only a registered owner can bootstrap the pair. An
		// inactive session re-activates through the same path, keeping
		// the ownerDid it was created with.
		if args.OwnerToken == "" || args.ContractAddress == "" || args.OwnerAddress == "" {
			return protocol.Error(req.SeqID, protocol.StatusUnauthorized, "owner token required to create a session")
		}
		vctx, cancel := s.verifyCtx(ctx)
		ownerDid, verr := s.verifier.VerifyOwnerToken(vctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress)
		cancel()
		if verr != nil {
			return failure(req.SeqID, req.Cmd, verr)
		}
		if existing != nil && existing.OwnerDid != ownerDid {
			return protocol.Error(req.SeqID, protocol.StatusUnauthorized, "not the session owner")
		}

		info := args.RoomInfo
		if len(info) == 0 && existing != nil {
			info = existing.RoomInfo
		}
		created, cerr := s.sessions.CreateSession(ctx, session.CreateParams{
			DocumentID: args.DocumentID,
			SessionDid: args.SessionDid,
			OwnerDid:   ownerDid,
			RoomInfo:   info,
		})
		if cerr != nil {
			return failure(req.SeqID, req.Cmd, cerr)
		}
		role = protocol.RoleOwner
		sessionType = sessionTypeNew
		if existing != nil {
			sessionType = sessionTypeExisting
		}
		roomInfo = created.RoomInfo

	case err != nil:
		return failure(req.SeqID, req.Cmd, err)

	default:
		// Join: the collaboration token is rooted at the session DID.
		if args.CollaborationToken == "" {
			return protocol.Error(req.SeqID, protocol.StatusUnauthorized, "collaboration token required")
		}
		vctx, cancel := s.verifyCtx(ctx)
		verr := s.verifier.VerifyCollaborationToken(vctx, args.CollaborationToken, existing.SessionDid)
		cancel()
		if verr != nil {
			return failure(req.SeqID, req.Cmd, verr)
		}

		role = protocol.RoleEditor
		sessionType = sessionTypeExisting
		roomInfo = existing.RoomInfo

		if args.OwnerToken != "" && args.ContractAddress != "" && args.OwnerAddress != "" {
			vctx, cancel := s.verifyCtx(ctx)
			ownerDid, oerr := s.verifier.VerifyOwnerToken(vctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress)
			cancel()
			if oerr == nil && ownerDid == existing.OwnerDid {
				role = protocol.RoleOwner
				if len(args.RoomInfo) > 0 {
					if uerr := s.sessions.UpdateRoomInfo(ctx, args.DocumentID, args.SessionDid, args.RoomInfo); uerr != nil {
						return failure(req.SeqID, req.Cmd, uerr)
					}
					roomInfo = args.RoomInfo
				}
			}
		}
	}

	if err := s.sessions.AddClientToSession(ctx, args.DocumentID, args.SessionDid, c.id); err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}
	c.authenticate(args.DocumentID, args.SessionDid, role)

	joined := protocol.Marshal(protocol.NewEvent(protocol.EventRoomMembershipChange, args.DocumentID, protocol.MembershipChange{
		Action:   protocol.ActionUserJoined,
		ClientID: c.id,
		Role:     role,
	}))
	s.sessions.BroadcastToAllNodes(ctx, args.DocumentID, args.SessionDid, joined, c.id)

	return protocol.OK(req.SeqID, map[string]interface{}{
		"clientId":    c.id,
		"role":        role,
		"sessionType": sessionType,
		"roomInfo":    roomInfo,
	})
}

// handleUpdate appends one opaque update to the log and fans it out to the
// session's other clients.
func (s *Server) handleUpdate(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	documentID, sessionDid, _, authErr := requireAuth(c, req.SeqID)
	if authErr != nil {
		return *authErr
	}

	var args protocol.UpdateArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed update args")
	}
	if args.DocumentID == "" || args.Data == "" {
		return badArgs(req.SeqID, "documentId and data are required")
	}
	if args.DocumentID != documentID {
		return protocol.Error(req.SeqID, protocol.StatusForbidden, "not a participant of this document")
	}

	vctx, cancel := s.verifyCtx(ctx)
	err := s.verifier.VerifyCollaborationToken(vctx, args.CollaborationToken, sessionDid)
	cancel()
	if err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}

	row := store.DocumentUpdate{
		ID:         uuid.NewString(),
		DocumentID: args.DocumentID,
		SessionDid: sessionDid,
		Data:       args.Data,
		UpdateType: store.UpdateTypeCRDT,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.updates.CreateUpdate(ctx, row); err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}

	event := protocol.Marshal(protocol.NewEvent(protocol.EventContentUpdate, args.DocumentID, map[string]interface{}{
		"id":        row.ID,
		"data":      row.Data,
		"createdAt": row.CreatedAt,
	}))
	s.sessions.BroadcastToAllNodes(ctx, args.DocumentID, sessionDid, event, c.id)

	return protocol.OK(req.SeqID, row)
}

// handleCommit anchors a set of update ids to an owner-produced snapshot
// cid. Owner-private: the owner token is re-verified and no broadcast is
// issued; peers observe commits through the content-addressed snapshot.
func (s *Server) handleCommit(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	documentID, sessionDid, role, authErr := requireAuth(c, req.SeqID)
	if authErr != nil {
		return *authErr
	}
	if role != protocol.RoleOwner {
		return protocol.Error(req.SeqID, protocol.StatusForbidden, "owner role required")
	}

	var args protocol.CommitArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed commit args")
	}
	if args.DocumentID == "" || args.Cid == "" || len(args.Updates) == 0 {
		return badArgs(req.SeqID, "documentId, cid and updates are required")
	}
	if args.DocumentID != documentID {
		return protocol.Error(req.SeqID, protocol.StatusForbidden, "not a participant of this document")
	}

	vctx, cancel := s.verifyCtx(ctx)
	_, err := s.verifier.VerifyOwnerToken(vctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress)
	cancel()
	if err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}

	commit := store.DocumentCommit{
		ID:         uuid.NewString(),
		DocumentID: args.DocumentID,
		SessionDid: sessionDid,
		Cid:        args.Cid,
		Updates:    args.Updates,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.updates.CreateCommit(ctx, commit); err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}

	return protocol.OK(req.SeqID, commit)
}

func (s *Server) handleUpdateHistory(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	_, _, _, authErr := requireAuth(c, req.SeqID)
	if authErr != nil {
		return *authErr
	}

	var args protocol.HistoryArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed history args")
	}
	if args.DocumentID == "" {
		return badArgs(req.SeqID, "documentId is required")
	}

	limit := args.Limit
	if limit <= 0 {
		limit = s.config.UpdateHistoryLimit
	}
	rows, err := s.updates.UpdatesByDocument(ctx, args.DocumentID, store.QueryOptions{
		Limit:     limit,
		Offset:    args.Offset,
		Sort:      args.Sort,
		Committed: args.Filters.Committed,
	})
	if err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}
	return protocol.OK(req.SeqID, map[string]interface{}{"updates": rows})
}

func (s *Server) handleCommitHistory(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	_, _, _, authErr := requireAuth(c, req.SeqID)
	if authErr != nil {
		return *authErr
	}

	var args protocol.HistoryArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed history args")
	}
	if args.DocumentID == "" {
		return badArgs(req.SeqID, "documentId is required")
	}

	limit := args.Limit
	if limit <= 0 {
		limit = s.config.CommitHistoryLimit
	}
	rows, err := s.updates.CommitsByDocument(ctx, args.DocumentID, store.QueryOptions{
		Limit:  limit,
		Offset: args.Offset,
		Sort:   args.Sort,
	})
	if err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}
	return protocol.OK(req.SeqID, map[string]interface{}{"commits": rows})
}

// handlePeersList reports the cluster-wide client set of the session.
func (s *Server) handlePeersList(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	_, sessionDid, _, authErr := requireAuth(c, req.SeqID)
	if authErr != nil {
		return *authErr
	}

	var args protocol.PeersListArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed peers args")
	}
	if args.DocumentID == "" {
		return badArgs(req.SeqID, "documentId is required")
	}

	peers, err := s.sessions.Peers(ctx, args.DocumentID, sessionDid)
	if err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}
	return protocol.OK(req.SeqID, map[string]interface{}{"peers": peers})
}

// handleAwareness fans ephemeral presence data out without persisting it.
func (s *Server) handleAwareness(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	documentID, sessionDid, _, authErr := requireAuth(c, req.SeqID)
	if authErr != nil {
		return *authErr
	}

	var args protocol.AwarenessArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed awareness args")
	}
	if args.DocumentID == "" {
		return badArgs(req.SeqID, "documentId is required")
	}
	if args.DocumentID != documentID {
		return protocol.Error(req.SeqID, protocol.StatusForbidden, "not a participant of this document")
	}

	event := protocol.Marshal(protocol.NewEvent(protocol.EventAwarenessUpdate, args.DocumentID, args.Data))
	s.sessions.BroadcastToAllNodes(ctx, args.DocumentID, sessionDid, event, c.id)

	return protocol.OK(req.SeqID, map[string]interface{}{"delivered": true})
}

// handleTerminate retires the session. Only the session's recorded owner
// may terminate; every other client is told before the state is torn down.
func (s *Server) handleTerminate(ctx context.Context, c *Conn, req protocol.Request) protocol.Response {
	var args protocol.TerminateArgs
	if err := json.Unmarshal(req.Args, &args); err != nil {
		return badArgs(req.SeqID, "malformed terminate args")
	}
	if args.DocumentID == "" || args.SessionDid == "" {
		return badArgs(req.SeqID, "documentId and sessionDid are required")
	}

	sess, err := s.sessions.GetSession(ctx, args.DocumentID, args.SessionDid)
	if err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}

	vctx, cancel := s.verifyCtx(ctx)
	ownerDid, err := s.verifier.VerifyOwnerToken(vctx, args.OwnerToken, args.ContractAddress, args.OwnerAddress)
	cancel()
	if err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}
	if ownerDid != sess.OwnerDid {
		return protocol.Error(req.SeqID, protocol.StatusUnauthorized, "not the session owner")
	}

	event := protocol.Marshal(protocol.NewEvent(protocol.EventSessionTerminated, args.DocumentID, map[string]interface{}{
		"sessionDid": args.SessionDid,
	}))
	s.sessions.BroadcastToAllNodes(ctx, args.DocumentID, args.SessionDid, event, c.id)

	if err := s.sessions.TerminateSession(ctx, args.DocumentID, args.SessionDid); err != nil {
		return failure(req.SeqID, req.Cmd, err)
	}

	return protocol.OK(req.SeqID, map[string]interface{}{"terminated": true})
}
