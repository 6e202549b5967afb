package server

// This file implements the protocol handler: it parses the fields of each
// recognized inbound message, dispatches to the registry and subscription
// manager, and serializes the reply. Protocol errors never close the
// transport.

import (
	"github.com/renderq/renderq/jobs"
)

// handleCreateJob processes a create_job frame: create-or-reuse the job for
// the derived id, subscribe the connection under the request's correlation
// token, and reply with the current snapshot.
func (s *Server) handleCreateJob(c *Client, msg *Message) {
	params := msg.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	// A correlation token hiding inside params must not perturb job identity;
	// strip it into the request_id slot before deduplication.
	requestID := msg.RequestID
	if rid, ok := params["request_id"].(string); ok {
		if requestID == "" {
			requestID = rid
		}
		clean := make(map[string]interface{}, len(params)-1)
		for k, v := range params {
			if k != "request_id" {
				clean[k] = v
			}
		}
		params = clean
	}

	if msg.TaskType == "" {
		s.sendError(c, "Missing task_type", requestID)
		return
	}

	if !s.registry.IsRegistered(msg.TaskType) {
		s.sendError(c, "Unknown task_type: "+msg.TaskType, requestID)
		return
	}

	// Ownership tracking uses the real peer identity only; synthetic ids die
	// with the connection and would orphan the jobs.
	ownerID := ""
	if !c.anonymous {
		ownerID = c.clientID
	}

	job, err := s.registry.CreateJob(msg.TaskType, params, ownerID)
	if err != nil {
		s.logger.Errorw("Job creation failed",
			"task_type", msg.TaskType,
			"connection_id", c.id,
			"error", err,
		)
		s.sendError(c, "Failed to create job", requestID)
		return
	}

	s.subs.Subscribe(job.ID, c, requestID)

	response := jobStatusMessage(job)
	if requestID != "" {
		response["request_id"] = requestID
	}
	s.sendToClient(c, response)
}

// handleGetStatus subscribes first — so transitions racing the lookup are
// still delivered — then replies with the current snapshot.
func (s *Server) handleGetStatus(c *Client, msg *Message) {
	if msg.JobID == "" {
		s.sendError(c, "Missing job_id", msg.RequestID)
		return
	}

	s.subs.Subscribe(msg.JobID, c, msg.RequestID)

	job := s.registry.GetJob(msg.JobID)
	if job == nil {
		s.sendError(c, "Job not found: "+msg.JobID, msg.RequestID)
		return
	}

	response := jobStatusMessage(job)
	if msg.RequestID != "" {
		response["request_id"] = msg.RequestID
	}
	s.sendToClient(c, response)
}

// handleCancelJob requests cancellation. On success nothing is sent here —
// the terminal broadcast reaches this connection through its subscription.
func (s *Server) handleCancelJob(c *Client, msg *Message) {
	if msg.JobID == "" {
		s.sendError(c, "Missing job_id", msg.RequestID)
		return
	}

	if s.registry.CancelJob(msg.JobID) {
		return
	}

	if job := s.registry.GetJob(msg.JobID); job != nil {
		s.sendError(c, "Job "+msg.JobID+" cannot be cancelled (current status: "+string(job.Status)+")", msg.RequestID)
	} else {
		s.sendError(c, "Job not found: "+msg.JobID, msg.RequestID)
	}
}

// handleGetClientJobs enumerates the jobs owned by the connection's real
// client identity and re-subscribes the connection to every non-terminal one
// (reconnection catch-up).
func (s *Server) handleGetClientJobs(c *Client, msg *Message) {
	if c.anonymous {
		s.sendError(c, "No client_id associated with this connection", msg.RequestID)
		return
	}

	owned := s.registry.ClientJobs(c.clientID)

	jobsList := make([]map[string]interface{}, 0, len(owned))
	for _, job := range owned {
		entry := map[string]interface{}{
			"job_id":     job.ID,
			"task_type":  job.TaskType,
			"status":     string(job.Status),
			"created_at": job.CreatedAt.Unix(),
		}
		switch job.Status {
		case jobs.StatusCompleted:
			entry["result"] = job.Result
		case jobs.StatusFailed, jobs.StatusCancelled:
			entry["error"] = job.Error
		}
		jobsList = append(jobsList, entry)

		if !job.Status.IsTerminal() {
			s.subs.Subscribe(job.ID, c, "")
		}
	}

	response := map[string]interface{}{
		"type": "client_jobs",
		"jobs": jobsList,
	}
	if msg.RequestID != "" {
		response["request_id"] = msg.RequestID
	}
	s.sendToClient(c, response)
}

// jobStatusMessage builds the job_status snapshot reply for a job.
func jobStatusMessage(job *jobs.Job) map[string]interface{} {
	response := map[string]interface{}{
		"type":   "job_status",
		"job_id": job.ID,
		"status": string(job.Status),
	}
	switch job.Status {
	case jobs.StatusCompleted:
		response["result"] = job.Result
	case jobs.StatusFailed, jobs.StatusCancelled:
		response["error"] = job.Error
	}
	return response
}

// sendError queues an error reply, echoing the correlation token when present.
func (s *Server) sendError(c *Client, message, requestID string) {
	reply := map[string]interface{}{
		"type":    "error",
		"message": message,
	}
	if requestID != "" {
		reply["request_id"] = requestID
	}
	s.sendToClient(c, reply)
}
