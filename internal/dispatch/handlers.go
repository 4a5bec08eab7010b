package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/replaycast/replaycast/internal/ledger"
	"github.com/replaycast/replaycast/internal/logging"
	"github.com/replaycast/replaycast/internal/protocol"
)

// serveWorker is the receive loop of one worker. Messages are handled in order,
// so a claim blocks the connection until its payload is written.
func (s *Server) serveWorker(sess *Session, log *logging.Logger) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	ws := sess.conn.ws
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("unexpected websocket close", "error", err)
			} else {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		if kind != websocket.TextMessage {
			log.Debug("ignoring non-text frame from worker")
			continue
		}
		msg, err := protocol.UnmarshalMessage(data)
		if err == nil {
			err = msg.Validate()
		}
		if err != nil {
			log.Debug("invalid message from worker", "error", err)
			_ = sess.conn.Send(protocol.NewError("", protocol.CodeBadRequest, err.Error()))
			continue
		}

		switch msg.Type {
		case protocol.TypeVideos:
			err = s.handleVideos(ctx, sess, msg)
		case protocol.TypeDemo:
			err = s.handleDemo(ctx, sess, msg, log)
		case protocol.TypeDownloaded:
			err = s.handleDownloaded(ctx, sess, msg, log)
		case protocol.TypeError:
			err = s.handleWorkerError(ctx, sess, msg, log)
		default:
			err = sess.conn.Send(protocol.NewError("", protocol.CodeUnsupported, "unsupported message type "+msg.Type))
		}
		if errors.Is(err, ErrConnectionClosed) {
			return
		}
		if err != nil {
			log.Warn("message handling failed", "type", msg.Type, "error", err)
		}
	}
}

// handleVideos answers ListAvailable. The first request records the capabilities.
func (s *Server) handleVideos(ctx context.Context, sess *Session, msg *protocol.Message) error {
	var req protocol.VideosRequest
	if err := msg.Decode(&req); err != nil {
		return sess.conn.Send(protocol.NewError("", protocol.CodeBadRequest, err.Error()))
	}
	sess.SetCapabilities(req.Titles, req.MaxQuality)
	titles, maxQuality, _ := sess.Capabilities()

	jobs, err := s.jobs.ListAvailable(ctx, titles, maxQuality, s.cfg.BatchSize)
	if err != nil {
		_ = sess.conn.Send(protocol.NewError("", protocol.CodeBadRequest, "listing failed"))
		return fmt.Errorf("list available: %w", err)
	}

	resp := protocol.VideosResponse{Jobs: make([]protocol.JobSummary, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, protocol.NewSummary(&jobs[i]))
	}
	out, err := protocol.New(protocol.TypeVideos, resp)
	if err != nil {
		return err
	}
	return sess.conn.Send(out)
}

// handleDemo is ClaimAndFetch.
func (s *Server) handleDemo(ctx context.Context, sess *Session, msg *protocol.Message, log *logging.Logger) error {
	var req protocol.DemoRequest
	if err := msg.Decode(&req); err != nil || req.JobID == "" {
		return sess.conn.Send(protocol.NewError("", protocol.CodeBadRequest, "demo requires a job id"))
	}
	log = log.WithJob(req.JobID)

	job, err := s.jobs.Claim(ctx, req.JobID, sess.WorkerID, sess.Node)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Debug("claim lost or job gone")
		return sess.conn.Send(protocol.NewError(req.JobID, protocol.CodeNotFound, "job not found"))
	}
	if err != nil {
		_ = sess.conn.Send(protocol.NewError(req.JobID, protocol.CodeNotFound, "claim failed"))
		return fmt.Errorf("claim: %w", err)
	}
	log.Info("job claimed", "quality", job.RenderQuality.String(), "map", job.MapName)

	frame, err := s.buildFrame(ctx, job)
	if err != nil {
		s.transferFailed(ctx, sess, job, err, log)
		return sess.conn.Send(protocol.NewError(job.JobID, protocol.CodeTransfer, err.Error()))
	}
	if err := sess.conn.SendBinary(frame); err != nil {
		s.transferFailed(ctx, sess, job, err, log)
		if errors.Is(err, ErrSendTimeout) {
			// The socket is still up: tell the worker, or drop it.
			if serr := sess.conn.Send(protocol.NewError(job.JobID, protocol.CodeTransfer, err.Error())); serr != nil {
				log.Warn("closing stalled worker connection", "error", serr)
				sess.conn.Close()
			}
		}
		return err
	}
	log.Debug("payload streamed", "bytes", len(frame))
	return nil
}

func (s *Server) buildFrame(ctx context.Context, job *ledger.RenderJob) ([]byte, error) {
	data, err := s.replays.Load(ctx, job.ReplayRef, job.RequiresFixedReplay)
	if err != nil {
		return nil, fmt.Errorf("load replay: %w", err)
	}
	if job.RequiresRepair {
		if s.repairer == nil {
			return nil, fmt.Errorf("replay requires repair but no repairer is configured")
		}
		if data, err = s.repairer.Repair(ctx, data); err != nil {
			return nil, fmt.Errorf("repair replay: %w", err)
		}
	}

	meta := protocol.NewJobMeta(job)
	if job.WorkshopRef != "" && s.cfg.MapMirrorURL != "" {
		if u, err := url.JoinPath(s.cfg.MapMirrorURL, job.WorkshopRef, job.MapName+".bsp"); err == nil {
			meta.MapDownloadURL = u
		}
	}
	return protocol.EncodeFrame(meta, data)
}

// transferFailed finalizes a claimed job whose payload never reached the worker.
func (s *Server) transferFailed(ctx context.Context, sess *Session, job *ledger.RenderJob, cause error, log *logging.Logger) {
	log.Warn("replay transfer failed", "error", cause)
	failed, err := s.jobs.Fail(context.WithoutCancel(ctx), job.JobID, sess.WorkerID, ledger.ReasonTransferFailed)
	if err != nil {
		log.Error("failed to finalize job after transfer failure", "error", err)
		return
	}
	if s.notices != nil {
		_ = s.notices.Error(ctx, failed, ledger.ReasonTransferFailed)
	}
}

// handleDownloaded is ConfirmClaims.
func (s *Server) handleDownloaded(ctx context.Context, sess *Session, msg *protocol.Message, log *logging.Logger) error {
	var req protocol.DownloadedRequest
	if err := msg.Decode(&req); err != nil {
		return sess.conn.Send(protocol.NewError("", protocol.CodeBadRequest, err.Error()))
	}

	started, failed, err := s.jobs.ConfirmClaims(ctx, sess.WorkerID, req.JobIDs)
	if err != nil {
		return fmt.Errorf("confirm claims: %w", err)
	}
	if len(failed) > 0 {
		log.Warn("unconfirmed claims finalized as failed", "count", len(failed))
		if s.notices != nil {
			s.notices.Failed(ctx, failed)
		}
	}
	if len(started) == 0 {
		log.Info("no confirmed jobs to start", "requested", len(req.JobIDs))
		return nil
	}

	ids := make([]string, len(started))
	for i := range started {
		ids[i] = started[i].JobID
	}
	out, err := protocol.New(protocol.TypeStart, protocol.StartData{JobIDs: ids})
	if err != nil {
		return err
	}
	log.Info("batch started", "jobs", len(ids))
	return sess.conn.Send(out)
}

// handleWorkerError is ReportError. The report is always logged; the job is only
// finalized if the worker still owns it.
func (s *Server) handleWorkerError(ctx context.Context, sess *Session, msg *protocol.Message, log *logging.Logger) error {
	var report protocol.ErrorData
	if err := msg.Decode(&report); err != nil {
		return sess.conn.Send(protocol.NewError("", protocol.CodeBadRequest, err.Error()))
	}
	log.Warn("worker reported error", "report_job_id", report.JobID, "code", report.Code, "message", report.Message)
	if report.JobID == "" {
		return nil
	}

	reason := report.Message
	if reason == "" {
		reason = "worker reported an error"
	}
	job, err := s.jobs.Fail(ctx, report.JobID, sess.WorkerID, reason)
	if errors.Is(err, ledger.ErrNotFound) {
		log.Debug("error report for a job the worker no longer owns", "report_job_id", report.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if s.notices != nil {
		_ = s.notices.Error(ctx, job, reason)
	}
	return nil
}

// serveBot sends the capability config and then acks every inbound message with an error.
func (s *Server) serveBot(conn *Conn, ws *websocket.Conn) {
	qualities := s.cfg.Bot.Qualities
	if len(qualities) == 0 {
		qualities = ledger.Qualities
	}
	cfgMsg, err := protocol.New(protocol.TypeConfig, protocol.BotConfig{
		MaxBatch:      s.cfg.BatchSize,
		Qualities:     qualities,
		Titles:        s.cfg.Bot.Titles,
		MaxReplaySize: s.cfg.Bot.MaxReplaySize,
	})
	if err == nil {
		err = conn.Send(cfgMsg)
	}
	if err != nil {
		s.log.Warn("failed to send bot config", "error", err)
		return
	}

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if err := conn.Send(protocol.NewError("", protocol.CodeUnsupported, "bot messages are not supported")); err != nil {
			return
		}
	}
}
