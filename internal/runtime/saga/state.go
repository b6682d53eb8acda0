package saga

// MaxProcessedMessages bounds how many handled message ids a state keeps for
// duplicate detection. Older ids are dropped first.
const MaxProcessedMessages = 512

// State is implemented by pointers to structs embedding StateBase.
type State interface {
	base() *StateBase
}

// StateBase carries the fields every saga state needs. Embed it in the state
// struct:
//
//	type OrderState struct {
//		saga.StateBase
//		Total int `json:"total"`
//	}
type StateBase struct {
	ID                string   `json:"id"`
	Completed         bool     `json:"completed"`
	ProcessedMessages []string `json:"processed_messages,omitempty"`
}

func (s *StateBase) base() *StateBase { return s }

// CorrelationID returns the id of the saga instance.
func (s *StateBase) CorrelationID() string { return s.ID }

// IsCompleted reports whether the saga was marked completed.
func (s *StateBase) IsCompleted() bool { return s.Completed }

// HasProcessed reports whether a message id was already handled.
func (s *StateBase) HasProcessed(messageID string) bool {
	for _, id := range s.ProcessedMessages {
		if id == messageID {
			return true
		}
	}
	return false
}

func (s *StateBase) markProcessed(messageID string) {
	if s.HasProcessed(messageID) {
		return
	}
	s.ProcessedMessages = append(s.ProcessedMessages, messageID)
	if over := len(s.ProcessedMessages) - MaxProcessedMessages; over > 0 {
		s.ProcessedMessages = append([]string(nil), s.ProcessedMessages[over:]...)
	}
}
