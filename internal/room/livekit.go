package room

import (
	"context"
	"fmt"
	"log"
	"sync"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
)

// Handler receives every room event. It is called from LiveKit's callback
// goroutines and must not block.
type Handler func(Event)

// Conn is a live room connection.
type Conn interface {
	Disconnect()
}

// Connector joins a media room with an access token.
type Connector interface {
	Connect(ctx context.Context, url, token string, handler Handler) (Conn, error)
}

// LiveKit connects through the LiveKit server SDK with auto-subscribe on.
type LiveKit struct{}

func (LiveKit) Connect(ctx context.Context, url, token string, handler Handler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = func(Event) {}
	}

	conn := &liveKitConn{}
	room, err := lksdk.ConnectToRoomWithToken(url, token, callbacks(handler), lksdk.WithAutoSubscribe(true))
	if err != nil {
		return nil, fmt.Errorf("connect room: %w", err)
	}
	conn.room = room
	handler(Connected{})
	return conn, nil
}

type liveKitConn struct {
	once sync.Once
	room *lksdk.Room
}

func (c *liveKitConn) Disconnect() {
	c.once.Do(func() {
		if c.room != nil {
			c.room.Disconnect()
		}
	})
}

func callbacks(emit Handler) *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				emit(TrackSubscribed{TrackSID: pub.SID(), Participant: rp.Identity(), Kind: track.Kind().String()})
			},
			OnTrackUnsubscribed: func(_ *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				emit(TrackUnsubscribed{TrackSID: pub.SID(), Participant: rp.Identity()})
			},
			OnTrackSubscriptionFailed: func(sid string, rp *lksdk.RemoteParticipant) {
				log.Printf("warning: track %s subscription failed for %s", sid, rp.Identity())
				emit(TrackSubscriptionFailed{TrackSID: sid, Participant: rp.Identity()})
			},
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				emit(TrackPublished{TrackSID: pub.SID(), Participant: rp.Identity(), Kind: string(pub.Kind())})
			},
			OnTrackUnpublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				emit(TrackUnpublished{TrackSID: pub.SID(), Participant: rp.Identity()})
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				user := data.ToProto().GetUser()
				if user == nil || len(user.GetPayload()) == 0 {
					return
				}
				emit(DataReceived{Payload: user.GetPayload(), Participant: params.SenderIdentity, Topic: user.GetTopic()})
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			emit(ParticipantConnected{Participant: rp.Identity()})
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			emit(ParticipantDisconnected{Participant: rp.Identity()})
		},
		OnActiveSpeakersChanged: func(speakers []lksdk.Participant) {
			ids := make([]string, 0, len(speakers))
			for _, p := range speakers {
				ids = append(ids, p.Identity())
			}
			emit(ActiveSpeakersChanged{Participants: ids})
		},
		OnRoomMetadataChanged: func(metadata string) {
			emit(RoomMetadataChanged{Metadata: metadata})
		},
		OnReconnecting: func() { emit(Reconnecting{}) },
		OnReconnected:  func() { emit(Reconnected{}) },
		OnDisconnected: func() { emit(Disconnected{Reason: "room closed"}) },
	}
}
