package httpapi

import (
	"net/http"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
	"github.com/agora-labs/marketplace-core/internal/toolserver"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req toolserver.RegisterAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, agoraerr.Wrap(agoraerr.InvalidArgument, err, "decode register_agent body"))
		return
	}
	result, err := s.tools.RegisterAgent(r.Context(), callerFromHeaders(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req toolserver.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, agoraerr.Wrap(agoraerr.InvalidArgument, err, "decode send_message body"))
		return
	}
	result, err := s.tools.SendMessage(r.Context(), callerFromHeaders(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	var req toolserver.AssignTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, agoraerr.Wrap(agoraerr.InvalidArgument, err, "decode task.assign body"))
		return
	}
	result, err := s.tools.AssignTask(r.Context(), callerFromHeaders(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req toolserver.UpdateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, agoraerr.Wrap(agoraerr.InvalidArgument, err, "decode task.update body"))
		return
	}
	req.TaskID = r.PathValue("task_id")
	result, err := s.tools.UpdateTask(r.Context(), callerFromHeaders(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req toolserver.StartWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, agoraerr.Wrap(agoraerr.InvalidArgument, err, "decode workflow.start body"))
		return
	}
	result, err := s.tools.StartWorkflow(r.Context(), callerFromHeaders(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleQueryData(w http.ResponseWriter, r *http.Request) {
	var req toolserver.QueryDataRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, agoraerr.Wrap(agoraerr.InvalidArgument, err, "decode query.data body"))
		return
	}
	result, err := s.tools.QueryData(r.Context(), callerFromHeaders(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.tools.SystemStatus(r.Context(), callerFromHeaders(r), toolserver.SystemStatusRequest{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
