// Package realtime routes websocket frames from one connection into the chat
// pipeline and fans the results out to every connection of the session.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/apperr"
	"github.com/ent0n29/confab/internal/chat"
	"github.com/ent0n29/confab/internal/fanout"
	"github.com/ent0n29/confab/internal/observability"
	"github.com/ent0n29/confab/internal/pipeline"
	"github.com/ent0n29/confab/internal/protocol"
	"github.com/ent0n29/confab/internal/research"
	"github.com/ent0n29/confab/internal/voice"
	"github.com/ent0n29/confab/internal/worker"
)

const feedbackLookback = 50

// ChatProcessor runs one user message through the pipeline.
type ChatProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

// HistoryReader looks up earlier messages when resolving feedback.
type HistoryReader interface {
	History(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error)
}

// ResearchQueue builds background research jobs.
type ResearchQueue interface {
	Job(req research.Request) worker.Job
}

// Greeter supplies the text of the connection greeting.
type Greeter interface {
	WelcomeMessage() string
}

type Config struct {
	// AutoSendTranscription forwards voice transcriptions to the chat
	// pipeline when the connection has a session.
	AutoSendTranscription bool
	ResearchEnabled       bool
}

type Deps struct {
	Hub      *fanout.Hub
	Chat     ChatProcessor
	History  HistoryReader
	Research ResearchQueue
	Jobs     worker.Submitter
	Voice    *voice.Service
	Greeter  Greeter
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

type Dispatcher struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Jobs == nil {
		deps.Jobs = worker.Inline{Logger: deps.Logger}
	}
	return &Dispatcher{cfg: cfg, deps: deps, log: deps.Logger}
}

// Connect registers conn and greets it with its connection id.
func (d *Dispatcher) Connect(ctx context.Context, conn fanout.Conn) (string, error) {
	id := d.deps.Hub.Register(conn)
	msg := "Connected to chat"
	if d.deps.Greeter != nil {
		msg = d.deps.Greeter.WelcomeMessage()
	}
	env := protocol.MustNew(protocol.TypeStatus, "", protocol.StatusData{
		Status:       "connected",
		ConnectionID: id,
		Message:      msg,
	})
	if err := d.deps.Hub.Send(ctx, id, env); err != nil {
		d.deps.Hub.Unregister(id)
		return "", err
	}
	d.log.Info("websocket connected", zap.String("connection_id", id))
	return id, nil
}

// Disconnect drops the connection. Pipeline work it started keeps running.
func (d *Dispatcher) Disconnect(connID string) {
	d.deps.Hub.Unregister(connID)
	d.log.Info("websocket disconnected", zap.String("connection_id", connID))
}

// Handle processes one text frame. Frames of one connection must be passed
// in arrival order.
func (d *Dispatcher) Handle(ctx context.Context, connID string, raw []byte) {
	frame, err := protocol.ParseClientMessage(raw)
	if err != nil {
		d.deps.Metrics.ObserveWSMessage("inbound", "invalid")
		code := "invalid_frame"
		if errors.Is(err, protocol.ErrUnsupportedType) {
			code = "unsupported_type"
		}
		d.sendError(ctx, connID, "", err.Error(), code)
		return
	}

	switch f := frame.(type) {
	case protocol.ChatMessage:
		d.deps.Metrics.ObserveWSMessage("inbound", string(protocol.TypeChatMessage))
		d.handleChat(ctx, connID, f)
	case protocol.Typing:
		d.deps.Metrics.ObserveWSMessage("inbound", string(protocol.TypeTyping))
		d.handleTyping(ctx, connID, f)
	case protocol.Ping:
		d.deps.Metrics.ObserveWSMessage("inbound", string(protocol.TypePing))
		d.bind(connID, f.SessionID)
		d.send(ctx, connID, protocol.MustNew(protocol.TypePong, "", protocol.PongData{Timestamp: time.Now().UnixMilli()}))
	case protocol.Feedback:
		d.deps.Metrics.ObserveWSMessage("inbound", string(protocol.TypeFeedback))
		d.handleFeedback(ctx, connID, f)
	}
}

// bind associates the connection with sessionID when one is given and
// returns the session the connection ends up bound to.
func (d *Dispatcher) bind(connID, sessionID string) string {
	if sessionID != "" {
		if err := d.deps.Hub.Associate(connID, sessionID); err != nil {
			d.log.Debug("associate failed", zap.String("connection_id", connID), zap.Error(err))
		}
		return sessionID
	}
	return d.deps.Hub.SessionOf(connID)
}

func (d *Dispatcher) handleChat(ctx context.Context, connID string, f protocol.ChatMessage) {
	sessionID := d.bind(connID, f.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
		_ = d.deps.Hub.Associate(connID, sessionID)
	}
	if strings.TrimSpace(f.Message) == "" {
		d.sendError(ctx, connID, sessionID, "Message cannot be empty", "empty_message")
		return
	}
	d.runChat(ctx, connID, sessionID, f.Message, f.ContextLength)
}

func (d *Dispatcher) runChat(ctx context.Context, connID, sessionID, text string, contextLength int) {
	d.broadcast(ctx, protocol.MustNew(protocol.TypeTypingIndicator, sessionID, protocol.TypingData{Typing: true}), sessionID)
	defer d.broadcast(ctx, protocol.MustNew(protocol.TypeTypingIndicator, sessionID, protocol.TypingData{Typing: false}), sessionID)

	res, err := d.deps.Chat.Process(ctx, pipeline.Request{
		SessionID:     sessionID,
		Message:       text,
		ContextLength: contextLength,
	})
	if err != nil {
		d.chatFailed(ctx, connID, sessionID, err)
		return
	}

	user := res.UserMessage
	d.broadcast(ctx, protocol.MustNew(protocol.TypeNewMessage, sessionID, protocol.NewMessageData{
		MessageID: user.ID,
		SessionID: sessionID,
		Role:      string(chat.RoleUser),
		Content:   user.Content,
		Timestamp: user.Timestamp,
	}), sessionID)
	d.broadcast(ctx, protocol.MustNew(protocol.TypeNewMessage, sessionID, protocol.NewMessageData{
		MessageID: res.MessageID,
		SessionID: sessionID,
		Role:      string(chat.RoleAssistant),
		Content:   res.Reply,
		Timestamp: res.Timestamp,
		Degraded:  res.Degraded,
	}), sessionID)
}

// chatFailed reports input errors to the sender only and everything else to
// the whole session with a generic message.
func (d *Dispatcher) chatFailed(ctx context.Context, connID, sessionID string, err error) {
	var appErr *apperr.Error
	errors.As(err, &appErr)
	switch apperr.KindOf(err) {
	case apperr.KindEmptyInput, apperr.KindValidation:
		d.sendError(ctx, connID, sessionID, appErr.Message, appErr.Code)
		return
	}
	d.log.Error("chat message failed",
		zap.String("connection_id", connID),
		zap.String("session_id", sessionID),
		zap.Error(err))
	code := string(apperr.KindInternal)
	if appErr != nil {
		code = appErr.Code
	}
	d.broadcast(ctx, protocol.MustNew(protocol.TypeError, sessionID, protocol.ErrorData{
		Message: "Failed to process chat message due to an internal error.",
		Code:    code,
	}), sessionID)
}

func (d *Dispatcher) handleTyping(ctx context.Context, connID string, f protocol.Typing) {
	sessionID := d.bind(connID, f.SessionID)
	if sessionID == "" {
		return
	}
	d.broadcast(ctx, protocol.MustNew(protocol.TypeTypingIndicator, sessionID, protocol.TypingData{
		Typing: f.Typing,
		UserID: connID,
	}), sessionID)
}

func (d *Dispatcher) handleFeedback(ctx context.Context, connID string, f protocol.Feedback) {
	sessionID := d.bind(connID, f.SessionID)
	d.log.Info("feedback received",
		zap.String("connection_id", connID),
		zap.String("session_id", sessionID),
		zap.String("message_id", f.MessageID),
		zap.String("score", f.Score))

	if f.Score == "bad" && d.cfg.ResearchEnabled && d.deps.Research != nil {
		req := research.Request{
			Key:       research.FeedbackKey(f.MessageID),
			Question:  d.questionFor(ctx, sessionID, f.MessageID),
			SessionID: sessionID,
		}
		if !d.deps.Jobs.Submit(d.deps.Research.Job(req)) {
			d.log.Warn("research job dropped", zap.String("key", req.Key))
		}
	}

	ack := protocol.MustNew(protocol.TypeFeedbackAck, sessionID, protocol.FeedbackAckData{
		MessageID: f.MessageID,
		Score:     f.Score,
	})
	if sessionID == "" {
		d.send(ctx, connID, ack)
		return
	}
	d.broadcast(ctx, ack, sessionID)
}

// questionFor finds the user message that prompted messageID. An empty
// result makes the research job fall back to its key.
func (d *Dispatcher) questionFor(ctx context.Context, sessionID, messageID string) string {
	if sessionID == "" || d.deps.History == nil {
		return ""
	}
	msgs, err := d.deps.History.History(ctx, sessionID, feedbackLookback, 0)
	if err != nil {
		d.log.Warn("feedback history lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}
	for i, m := range msgs {
		if m.ID != messageID {
			continue
		}
		if m.Role == chat.RoleUser {
			return m.Content
		}
		for j := i - 1; j >= 0; j-- {
			if msgs[j].Role == chat.RoleUser {
				return msgs[j].Content
			}
		}
		return ""
	}
	return ""
}

// HandleAudio queues a binary voice frame for transcription. Status and the
// transcription go to the sending connection; the transcribed text is then
// sent to the chat like a typed message when the connection has a session.
func (d *Dispatcher) HandleAudio(ctx context.Context, connID string, data []byte) {
	d.deps.Metrics.ObserveWSMessage("inbound", "audio")
	if d.deps.Voice == nil {
		d.sendError(ctx, connID, "", "Voice processing is disabled", "voice_disabled")
		return
	}
	if len(data) == 0 {
		d.sendError(ctx, connID, "", "Invalid audio data", "empty_audio")
		return
	}
	audio, contentType, err := voice.Containerize(data)
	if err != nil {
		d.sendError(ctx, connID, "", "Invalid audio data", "invalid_audio")
		return
	}
	file, err := d.deps.Voice.Accept(fmt.Sprintf("voice_%s.wav", connID), contentType, audio)
	if err != nil {
		var appErr *apperr.Error
		code := "invalid_audio"
		if errors.As(err, &appErr) {
			code = appErr.Code
		}
		d.sendError(ctx, connID, "", "Invalid audio data", code)
		return
	}

	job := worker.Job{
		Name: "transcription",
		Run: func(jobCtx context.Context) error {
			return d.transcribe(jobCtx, connID, file, audio)
		},
	}
	if !d.deps.Jobs.Submit(job) {
		d.deps.Voice.Fail(file.ID, "server busy")
		d.sendError(ctx, connID, "", "Voice processing is busy, try again", "voice_busy")
	}
}

func (d *Dispatcher) transcribe(ctx context.Context, connID string, file voice.AudioFile, audio []byte) error {
	d.send(ctx, connID, protocol.MustNew(protocol.TypeVoiceStatus, "", protocol.VoiceStatusData{
		Status:  string(voice.StatusProcessing),
		AudioID: file.ID,
	}))

	t, err := d.deps.Voice.Transcribe(ctx, file, audio, "")
	if err != nil {
		d.send(ctx, connID, protocol.MustNew(protocol.TypeVoiceStatus, "", protocol.VoiceStatusData{
			Status:  string(voice.StatusFailed),
			AudioID: file.ID,
			Error:   "Failed to process voice data",
		}))
		return err
	}

	var confidence float64
	if t.Confidence != nil {
		confidence = *t.Confidence
	}
	d.send(ctx, connID, protocol.MustNew(protocol.TypeVoiceTranscription, "", protocol.VoiceTranscriptionData{
		AudioID:    file.ID,
		Text:       t.Text,
		Confidence: confidence,
		Language:   t.Language,
		Duration:   t.Duration,
	}))

	if !d.cfg.AutoSendTranscription {
		return nil
	}
	if sessionID := d.deps.Hub.SessionOf(connID); sessionID != "" {
		d.runChat(ctx, connID, sessionID, t.Text, 0)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, connID string, env protocol.Envelope) {
	if err := d.deps.Hub.Send(ctx, connID, env); err != nil && !errors.Is(err, fanout.ErrPeerGone) {
		d.log.Debug("send failed", zap.String("connection_id", connID), zap.Error(err))
	}
}

func (d *Dispatcher) sendError(ctx context.Context, connID, sessionID, message, code string) {
	d.send(ctx, connID, protocol.MustNew(protocol.TypeError, sessionID, protocol.ErrorData{Message: message, Code: code}))
}

func (d *Dispatcher) broadcast(ctx context.Context, env protocol.Envelope, sessionID string) {
	if err := d.deps.Hub.Broadcast(ctx, env, sessionID); err != nil {
		d.log.Warn("broadcast failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
