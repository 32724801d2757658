package callcore

import (
	"sync"
	"time"
)

// Participant is one peer in the room, including self. Track handles are borrowed
// from the media engine for rendering; ownership stays with the session.
type Participant struct {
	ID              string
	Name            string
	PhotoURL        string
	AudioTrack      Track
	VideoTrack      Track
	AudioConsumerID string
	VideoConsumerID string
	Muted           bool
	VideoPaused     bool
}

type Message struct {
	PeerID string
	Sender string
	Text   string
	SentAt time.Time
}

type JoinRequest struct {
	PeerID   string
	SocketID string
}

// State is the authoritative, observable session snapshot. Participants are stored by
// value so reads hand out consistent copies; mutations go through transform funcs
// under the lock, so two concurrent updates to the same peer cannot tear.
type State struct {
	mu           sync.RWMutex
	participants map[string]Participant
	messages     []Message
	joinRequests []JoinRequest
	focusedID    string

	micEnabled     bool
	camEnabled     bool
	speakerMuted   bool
	screenSharing  bool
	serviceStarted bool
}

func NewState() *State {
	return &State{participants: make(map[string]Participant)}
}

// PutParticipant inserts the participant if no entry with its id exists. Existing
// entries win: roster replay and new-producer pushes may both announce a peer.
func (s *State) PutParticipant(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; !ok {
		s.participants[p.ID] = p
	}
}

// UpdateParticipant applies transform to the entry atomically. Returns false when the
// peer is unknown (e.g. it disconnected while an update was in flight).
func (s *State) UpdateParticipant(id string, transform func(Participant) Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return false
	}
	s.participants[id] = transform(p)
	return true
}

func (s *State) RemoveParticipant(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[id]; !ok {
		return false
	}
	delete(s.participants, id)
	if s.focusedID == id {
		s.focusedID = ""
	}
	return true
}

func (s *State) Participant(id string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	return p, ok
}

// Participants returns a snapshot copy of the participant map.
func (s *State) Participants() map[string]Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Participant, len(s.participants))
	for id, p := range s.participants {
		out[id] = p
	}
	return out
}

func (s *State) AppendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

func (s *State) EnqueueJoinRequest(r JoinRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinRequests = append(s.joinRequests, r)
}

// DequeueJoinRequest pops the oldest pending request. Serving a request does not
// dequeue it automatically; the caller pops once it has responded.
func (s *State) DequeueJoinRequest() (JoinRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.joinRequests) == 0 {
		return JoinRequest{}, false
	}
	r := s.joinRequests[0]
	s.joinRequests = s.joinRequests[1:]
	return r, true
}

func (s *State) JoinRequests() []JoinRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]JoinRequest(nil), s.joinRequests...)
}

// SetFocused records a view selection by key. The participant itself stays owned by
// the map; an unknown or removed id simply resolves to nothing.
func (s *State) SetFocused(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focusedID = id
}

func (s *State) Focused() (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[s.focusedID]
	return p, ok
}

func (s *State) SetMicEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.micEnabled = v
}

func (s *State) MicEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.micEnabled
}

func (s *State) SetCamEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camEnabled = v
}

func (s *State) CamEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.camEnabled
}

func (s *State) SetSpeakerMuted(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakerMuted = v
}

func (s *State) SpeakerMuted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speakerMuted
}

func (s *State) SetScreenSharing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenSharing = v
}

func (s *State) ScreenSharing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.screenSharing
}

func (s *State) SetServiceStarted(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceStarted = v
}

func (s *State) ServiceStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serviceStarted
}

// Reset clears everything back to the empty, not-in-a-call state.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = make(map[string]Participant)
	s.messages = nil
	s.joinRequests = nil
	s.focusedID = ""
	s.micEnabled = false
	s.camEnabled = false
	s.speakerMuted = false
	s.screenSharing = false
	s.serviceStarted = false
}
