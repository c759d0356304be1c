package room

// Event is one notification from the media room. The concrete types below
// are the full set; consumers switch on them.
type Event interface {
	isEvent()
}

type Connected struct{}

type Reconnecting struct{}

type Reconnected struct{}

// Disconnected is the room closing on us, either by the server or the
// network.
type Disconnected struct {
	Reason string
}

type TrackPublished struct {
	TrackSID    string
	Participant string
	Kind        string
}

type TrackSubscribed struct {
	TrackSID    string
	Participant string
	Kind        string
}

type TrackUnsubscribed struct {
	TrackSID    string
	Participant string
}

type TrackUnpublished struct {
	TrackSID    string
	Participant string
}

type TrackSubscriptionFailed struct {
	TrackSID    string
	Participant string
}

type ParticipantConnected struct {
	Participant string
}

type ParticipantDisconnected struct {
	Participant string
}

// DataReceived carries a user data packet. Payload is the raw bytes as sent.
type DataReceived struct {
	Payload     []byte
	Participant string
	Topic       string
}

type ActiveSpeakersChanged struct {
	Participants []string
}

type RoomMetadataChanged struct {
	Metadata string
}

func (Connected) isEvent()               {}
func (Reconnecting) isEvent()            {}
func (Reconnected) isEvent()             {}
func (Disconnected) isEvent()            {}
func (TrackPublished) isEvent()          {}
func (TrackSubscribed) isEvent()         {}
func (TrackUnsubscribed) isEvent()       {}
func (TrackUnpublished) isEvent()        {}
func (TrackSubscriptionFailed) isEvent() {}
func (ParticipantConnected) isEvent()    {}
func (ParticipantDisconnected) isEvent() {}
func (DataReceived) isEvent()            {}
func (ActiveSpeakersChanged) isEvent()   {}
func (RoomMetadataChanged) isEvent()     {}

// Name is the event's wire name, used when forwarding events to UI clients.
func Name(ev Event) string {
	switch ev.(type) {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Reconnected:
		return "reconnected"
	case Disconnected:
		return "disconnected"
	case TrackPublished:
		return "track_published"
	case TrackSubscribed:
		return "track_subscribed"
	case TrackUnsubscribed:
		return "track_unsubscribed"
	case TrackUnpublished:
		return "track_unpublished"
	case TrackSubscriptionFailed:
		return "track_subscription_failed"
	case ParticipantConnected:
		return "participant_connected"
	case ParticipantDisconnected:
		return "participant_disconnected"
	case DataReceived:
		return "data_received"
	case ActiveSpeakersChanged:
		return "active_speakers_changed"
	case RoomMetadataChanged:
		return "room_metadata_changed"
	default:
		return "unknown"
	}
}

// EndsSession reports whether ev means the avatar's media is gone and the
// backend session should be ended.
func EndsSession(ev Event) bool {
	switch ev.(type) {
	case TrackUnsubscribed, TrackUnpublished, Disconnected:
		return true
	}
	return false
}
