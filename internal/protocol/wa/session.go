package wa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatbridge_backend/internal/protocol"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Session wraps one whatsmeow client plus its device container.
type Session struct {
	cli       *whatsmeow.Client
	container *sqlstore.Container
	tenantID  uuid.UUID
	log       *logger.Logger

	mu     sync.Mutex
	onConn func(protocol.ConnectionEvent)
	onMsgs func(protocol.MessageBatch)
	closed bool
}

func newSession(cli *whatsmeow.Client, container *sqlstore.Container, tenantID uuid.UUID, log *logger.Logger) *Session {
	s := &Session{
		cli:       cli,
		container: container,
		tenantID:  tenantID,
		log:       log.WithTenant(tenantID.String()),
	}
	cli.AddEventHandler(s.handleEvent)
	return s
}

func (s *Session) OnConnection(fn func(protocol.ConnectionEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConn = fn
}

func (s *Session) OnMessages(fn func(protocol.MessageBatch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMsgs = fn
}

// Connect dials the server. A device without stored credentials first walks
// the QR pairing flow; the QR channel must be requested before Connect.
func (s *Session) Connect(ctx context.Context) error {
	if s.cli.Store.ID == nil {
		qrChan, err := s.cli.GetQRChannel(ctx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			return err
		}
		if err == nil {
			go s.pumpQR(qrChan)
		}
	}
	return s.cli.Connect()
}

func (s *Session) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case "code":
			s.emitConn(protocol.ConnectionEvent{
				Kind:      protocol.EventQRIssued,
				QRPayload: item.Code,
				QRTimeout: item.Timeout,
			})
		case "timeout":
			s.emitConn(protocol.ConnectionEvent{
				Kind:  protocol.EventClosed,
				Close: protocol.CloseInfo{Code: protocol.CloseTimeout},
			})
		}
		// "success" is followed by events.Connected on the main handler.
	}
}

func (s *Session) handleEvent(raw any) {
	switch evt := raw.(type) {
	case *events.Connected, *events.PushNameSetting:
		if len(s.cli.Store.PushName) > 0 {
			if err := s.cli.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
				s.log.Warn("send presence failed", "error", err)
			}
		}
		if _, ok := evt.(*events.Connected); ok {
			s.emitConn(protocol.ConnectionEvent{Kind: protocol.EventOpened})
		}

	case *events.LoggedOut:
		s.emitConn(protocol.ConnectionEvent{
			Kind:  protocol.EventClosed,
			Close: protocol.CloseInfo{Code: protocol.CloseLoggedOut, Err: fmt.Errorf("logged out: %s", evt.Reason)},
		})

	case *events.StreamReplaced:
		s.emitConn(protocol.ConnectionEvent{
			Kind:  protocol.EventClosed,
			Close: protocol.CloseInfo{Code: protocol.CloseGeneric, Err: errors.New("stream replaced by another session")},
		})

	case *events.KeepAliveTimeout:
		s.emitConn(protocol.ConnectionEvent{
			Kind:  protocol.EventClosed,
			Close: protocol.CloseInfo{Code: protocol.CloseTimeout, Err: errors.New("keepalive timeout")},
		})

	case *events.ConnectFailure:
		s.emitConn(protocol.ConnectionEvent{
			Kind:  protocol.EventClosed,
			Close: protocol.CloseInfo{Code: closeCodeForFailure(int(evt.Reason)), Err: fmt.Errorf("connect failure: %s", evt.Reason)},
		})

	case *events.Disconnected:
		s.emitConn(protocol.ConnectionEvent{
			Kind:  protocol.EventClosed,
			Close: protocol.CloseInfo{Code: protocol.CloseGeneric},
		})

	case *events.Message:
		if ev, ok := s.convertMessage(evt); ok {
			s.emitMsgs(protocol.MessageBatch{
				Kind:   protocol.BatchLive,
				Events: []protocol.MessageEvent{ev},
			})
		}

	case *events.HistorySync:
		s.handleHistorySync(evt)
	}
}

// closeCodeForFailure maps server connect-failure codes onto close codes.
// 401 revokes credentials, 405 rejects the handshake method, 515 asks the
// client to restart the connection.
func closeCodeForFailure(reason int) protocol.CloseCode {
	switch reason {
	case 401:
		return protocol.CloseLoggedOut
	case 405:
		return protocol.CloseMethodRejected
	case 515:
		return protocol.CloseRestartRequired
	default:
		return protocol.CloseGeneric
	}
}

func (s *Session) emitConn(ev protocol.ConnectionEvent) {
	s.mu.Lock()
	fn := s.onConn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *Session) emitMsgs(batch protocol.MessageBatch) {
	s.mu.Lock()
	fn := s.onMsgs
	s.mu.Unlock()
	if fn != nil && len(batch.Events) > 0 {
		fn(batch)
	}
}

func (s *Session) convertMessage(evt *events.Message) (protocol.MessageEvent, bool) {
	msg := unwrapMessage(evt.Message)
	if msg == nil {
		return protocol.MessageEvent{}, false
	}

	kind, body, voiceRef := classifyMessage(msg)
	ev := protocol.MessageEvent{
		ProviderID:  evt.Info.ID,
		ChatID:      evt.Info.Chat.String(),
		SenderID:    evt.Info.Sender.String(),
		PushName:    evt.Info.PushName,
		FromMe:      evt.Info.IsFromMe,
		IsGroup:     evt.Info.IsGroup,
		IsBroadcast: evt.Info.IsIncomingBroadcast(),
		Kind:        kind,
		Body:        body,
		Timestamp:   evt.Info.Timestamp,
		VoiceRef:    voiceRef,
	}
	return ev, true
}

// unwrapMessage peels view-once and ephemeral wrappers, mirroring how the
// official clients treat them.
func unwrapMessage(msg *waE2E.Message) *waE2E.Message {
	for i := 0; i < 3 && msg != nil; i++ {
		switch {
		case msg.GetViewOnceMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetEphemeralMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

func classifyMessage(msg *waE2E.Message) (protocol.MessageKind, string, *protocol.MediaRef) {
	switch {
	case msg.GetConversation() != "":
		return protocol.KindText, msg.GetConversation(), nil
	case msg.GetExtendedTextMessage().GetText() != "":
		return protocol.KindText, msg.GetExtendedTextMessage().GetText(), nil
	case msg.GetImageMessage() != nil:
		return protocol.KindImage, msg.GetImageMessage().GetCaption(), nil
	case msg.GetVideoMessage() != nil:
		return protocol.KindVideo, msg.GetVideoMessage().GetCaption(), nil
	case msg.GetAudioMessage() != nil:
		audio := msg.GetAudioMessage()
		return protocol.KindAudio, "", &protocol.MediaRef{
			ID:   audio.GetDirectPath(),
			Mime: audio.GetMimetype(),
		}
	case msg.GetDocumentMessage() != nil:
		return protocol.KindDocument, msg.GetDocumentMessage().GetCaption(), nil
	case msg.GetStickerMessage() != nil:
		return protocol.KindSticker, "", nil
	case msg.GetProtocolMessage() != nil:
		return protocol.KindProtocol, "", nil
	default:
		return protocol.KindProtocol, "", nil
	}
}

// handleHistorySync converts synced backlog conversations into a
// possibly-historical batch. The ingestion pipeline decides what is recent
// enough to keep.
func (s *Session) handleHistorySync(evt *events.HistorySync) {
	if evt.Data == nil {
		return
	}
	switch evt.Data.GetSyncType() {
	case waHistorySync.HistorySync_INITIAL_BOOTSTRAP, waHistorySync.HistorySync_RECENT:
	default:
		return
	}

	ownID := ""
	if s.cli.Store.ID != nil {
		ownID = s.cli.Store.ID.String()
	}

	var batch []protocol.MessageEvent
	for _, conv := range evt.Data.GetConversations() {
		chatJID := conv.GetID()
		if chatJID == "" {
			continue
		}
		for _, hm := range conv.GetMessages() {
			if hm == nil || hm.Message == nil {
				continue
			}
			webMsg := hm.Message
			key := webMsg.GetKey()
			if key == nil || key.GetID() == "" {
				continue
			}

			inner := unwrapMessage(webMsg.GetMessage())
			if inner == nil {
				continue
			}
			kind, body, voiceRef := classifyMessage(inner)

			sender := chatJID
			if key.GetFromMe() {
				sender = ownID
			} else if p := key.GetParticipant(); p != "" {
				sender = p
			}

			batch = append(batch, protocol.MessageEvent{
				ProviderID: key.GetID(),
				ChatID:     chatJID,
				SenderID:   sender,
				FromMe:     key.GetFromMe(),
				Kind:       kind,
				Body:       body,
				Timestamp:  time.Unix(int64(webMsg.GetMessageTimestamp()), 0),
				VoiceRef:   voiceRef,
			})
		}
	}

	if len(batch) > 0 {
		s.emitMsgs(protocol.MessageBatch{
			Kind:   protocol.BatchPossiblyHistorical,
			Events: batch,
		})
	}
}

func (s *Session) SendText(ctx context.Context, toProtocolID, body string) (protocol.SendResult, error) {
	jid, err := types.ParseJID(toProtocolID)
	if err != nil {
		return protocol.SendResult{}, err
	}
	resp, err := s.cli.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	if err != nil {
		return protocol.SendResult{}, err
	}
	return protocol.SendResult{ProviderID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (s *Session) SendAudio(ctx context.Context, toProtocolID string, data []byte, mime string) (protocol.SendResult, error) {
	jid, err := types.ParseJID(toProtocolID)
	if err != nil {
		return protocol.SendResult{}, err
	}
	up, err := s.cli.Upload(ctx, data, whatsmeow.MediaAudio)
	if err != nil {
		return protocol.SendResult{}, err
	}
	msg := &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		Mimetype:      proto.String(mime),
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
		PTT:           proto.Bool(true),
	}}
	resp, err := s.cli.SendMessage(ctx, jid, msg)
	if err != nil {
		return protocol.SendResult{}, err
	}
	return protocol.SendResult{ProviderID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (s *Session) MarkRead(ctx context.Context, chatProtocolID string, providerIDs []string) error {
	jid, err := types.ParseJID(chatProtocolID)
	if err != nil {
		return err
	}
	ids := make([]types.MessageID, 0, len(providerIDs))
	for _, id := range providerIDs {
		ids = append(ids, types.MessageID(id))
	}
	return s.cli.MarkRead(ctx, ids, time.Now(), jid, jid)
}

func (s *Session) SetPresence(ctx context.Context, chatProtocolID string, p protocol.Presence) error {
	jid, err := types.ParseJID(chatProtocolID)
	if err != nil {
		return err
	}
	state := types.ChatPresenceComposing
	media := types.ChatPresenceMediaText
	switch p {
	case protocol.PresenceRecording:
		media = types.ChatPresenceMediaAudio
	case protocol.PresencePaused:
		state = types.ChatPresencePaused
	}
	return s.cli.SendChatPresence(ctx, jid, state, media)
}

func (s *Session) ProfileName(ctx context.Context, protocolID string) (string, error) {
	jid, err := types.ParseJID(protocolID)
	if err != nil {
		return "", err
	}
	info, err := s.cli.GetUserInfo(ctx, []types.JID{jid})
	if err != nil {
		return "", err
	}
	if u, ok := info[jid]; ok && u.VerifiedName != nil && u.VerifiedName.Details != nil {
		return u.VerifiedName.Details.GetVerifiedName(), nil
	}
	return "", nil
}

func (s *Session) ProfilePicture(ctx context.Context, protocolID string) (string, error) {
	jid, err := types.ParseJID(protocolID)
	if err != nil {
		return "", err
	}
	pic, err := s.cli.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil || pic == nil {
		return "", err
	}
	return pic.URL, nil
}

// DownloadVoicePCM is unsupported: voice notes arrive as Opus and this
// adapter ships no decoder. Ingestion falls back to a [Voice] tag.
func (s *Session) DownloadVoicePCM(context.Context, protocol.MediaRef) ([]float32, error) {
	return nil, errors.New("voice decoding not supported by this adapter")
}

func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cli.Disconnect()
	s.container.Close()
}

func (s *Session) Logout(ctx context.Context) error {
	err := s.cli.Logout(ctx)
	s.Disconnect()
	return err
}

var _ protocol.Session = (*Session)(nil)
