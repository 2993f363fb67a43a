package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
	"github.com/JakeFAU/scrape-gateway/internal/progress"
)

// Stream message types.
const (
	StreamCatchup  = "catchup"
	StreamDocument = "document"
	StreamDone     = "done"
	StreamError    = "error"
)

const streamWriteTimeout = 10 * time.Second

// StreamMessage is one websocket frame of a crawl progress stream.
type StreamMessage struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleCrawlStream sends a catchup frame with the job's current state, then
// forwards progress events until the job finishes or the client leaves.
func (s *Server) handleCrawlStream(x *pipeline.Exchange) error {
	job, err := s.ownedCrawlJob(x)
	if err != nil {
		return err
	}
	if s.deps.Broker == nil {
		return errors.New("progress broker not configured")
	}
	// Subscribe before the catchup read so no event falls between them.
	sub := s.deps.Broker.Subscribe(job.ID)
	defer sub.Close()

	var header http.Header
	if protos := websocketProtocols(x.Request); len(protos) > 0 && protos[0] != "" {
		header = http.Header{"Sec-WebSocket-Protocol": {protos[0]}}
	}
	conn, err := s.upgrader.Upgrade(x.Writer(), x.Request, header)
	if err != nil {
		x.Logger.Warn("websocket upgrade failed", zap.String("job_id", job.ID), zap.Error(err))
		return nil
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			x.Logger.Debug("websocket close", zap.Error(cerr))
		}
	}()

	job, err = s.deps.Jobs.GetJob(x.Context(), job.ID)
	if err != nil {
		s.closeStream(x, conn, StreamMessage{Type: StreamError, Error: pipeline.FaultMessage})
		return fmt.Errorf("reload crawl job: %w", err)
	}
	docs, err := s.deps.Jobs.ListDocuments(x.Context(), job.ID)
	if err != nil {
		s.closeStream(x, conn, StreamMessage{Type: StreamError, Error: pipeline.FaultMessage})
		return fmt.Errorf("list documents for %s: %w", job.ID, err)
	}
	if err := writeFrame(conn, StreamMessage{Type: StreamCatchup, Data: crawlStatus(job, docs)}); err != nil {
		x.Logger.Debug("websocket catchup write failed", zap.Error(err))
		return nil
	}
	if job.Status.Terminal() {
		s.closeStream(x, conn, terminalFrame(job.Status, job.ErrorText))
		return nil
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			x.Logger.Debug("stream client disconnected", zap.String("job_id", job.ID))
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			frame := eventFrame(evt)
			if evt.Final() {
				s.closeStream(x, conn, frame)
				return nil
			}
			if err := writeFrame(conn, frame); err != nil {
				x.Logger.Debug("websocket write failed", zap.Error(err))
				return nil
			}
		}
	}
}

func eventFrame(evt progress.Event) StreamMessage {
	switch evt.Type {
	case progress.TypeDocument:
		return StreamMessage{Type: StreamDocument, Data: evt.Document}
	case progress.TypeError:
		return StreamMessage{Type: StreamError, Error: evt.Error}
	default:
		return terminalFrame(evt.Status, "")
	}
}

func terminalFrame(status crawler.JobStatus, errText string) StreamMessage {
	if status == crawler.JobStatusFailed {
		return StreamMessage{Type: StreamError, Error: errText}
	}
	return StreamMessage{Type: StreamDone, Data: statusResponse{Status: string(status)}}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (s *Server) closeStream(x *pipeline.Exchange, conn *websocket.Conn, last StreamMessage) {
	if err := writeFrame(conn, last); err != nil {
		x.Logger.Debug("websocket final write failed", zap.Error(err))
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, last.Type)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		x.Logger.Debug("websocket close frame failed", zap.Error(err))
	}
}
