package domain

import "time"

// GenerationState tracks one generation's lifecycle.
type GenerationState string

const (
	GenerationActive    GenerationState = "active"
	GenerationFinishing GenerationState = "finishing"
	GenerationClosed    GenerationState = "closed"
)

// Generation is one in-flight assistant response.
type Generation struct {
	MessageID string
	StartedAt time.Time
	State     GenerationState
}

// ApprovalRequest is a question raised to a human during a generation.
type ApprovalRequest struct {
	ApprovalID string
	// MessageID is the generation that was active when the request was raised.
	MessageID string
	Payload   []byte
	RaisedAt  time.Time
	// ExpiresAt is zero when the request never expires.
	ExpiresAt time.Time
}

// Expired reports whether the request can no longer be answered at now.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// MaxResolvedApprovals bounds how many answered approval ids a session remembers.
const MaxResolvedApprovals = 1024

// State is the in-memory view of one session.
//
// Published states are never mutated: writers call Clone, change the copy,
// and publish it only once the log accepted the write.
type State struct {
	SessionID string
	// Generation is nil while the session is idle.
	Generation   *Generation
	LastOffset   uint64
	LastSequence uint64
	LastMarker   string
	Pending      map[string]ApprovalRequest
	Resolved     ResolvedSet
	UpdatedAt    time.Time
}

// NewState returns an empty state for sessionID.
func NewState(sessionID string) State {
	return State{SessionID: sessionID}
}

// Clone returns a deep copy safe to mutate.
func (s State) Clone() State {
	out := s
	if s.Generation != nil {
		gen := *s.Generation
		out.Generation = &gen
	}
	if s.Pending != nil {
		out.Pending = make(map[string]ApprovalRequest, len(s.Pending))
		for id, req := range s.Pending {
			out.Pending[id] = req
		}
	}
	out.Resolved = s.Resolved.clone()
	return out
}

// ActiveGeneration returns the generation accepting chunks, if any.
func (s State) ActiveGeneration() (Generation, bool) {
	if s.Generation == nil || s.Generation.State != GenerationActive {
		return Generation{}, false
	}
	return *s.Generation, true
}

// PendingApproval returns an outstanding request by id.
func (s State) PendingApproval(approvalID string) (ApprovalRequest, bool) {
	req, ok := s.Pending[approvalID]
	return req, ok
}

// HasLivePending reports whether any outstanding request is unexpired at now.
func (s State) HasLivePending(now time.Time) bool {
	for _, req := range s.Pending {
		if !req.Expired(now) {
			return true
		}
	}
	return false
}

// AddPending records an outstanding approval request.
func (s *State) AddPending(req ApprovalRequest) {
	if s.Pending == nil {
		s.Pending = make(map[string]ApprovalRequest)
	}
	s.Pending[req.ApprovalID] = req
}

// ResolvedSet remembers the most recent MaxResolvedApprovals answered ids.
type ResolvedSet struct {
	order []string
	index map[string]struct{}
}

// Contains reports whether approvalID was answered.
func (r ResolvedSet) Contains(approvalID string) bool {
	_, ok := r.index[approvalID]
	return ok
}

// Len returns the number of remembered ids.
func (r ResolvedSet) Len() int { return len(r.order) }

// Add remembers approvalID, forgetting the oldest id past the bound.
func (r *ResolvedSet) Add(approvalID string) {
	if r.Contains(approvalID) {
		return
	}
	if r.index == nil {
		r.index = make(map[string]struct{})
	}
	r.order = append(r.order, approvalID)
	r.index[approvalID] = struct{}{}
	for len(r.order) > MaxResolvedApprovals {
		delete(r.index, r.order[0])
		r.order = r.order[1:]
	}
}

func (r ResolvedSet) clone() ResolvedSet {
	if len(r.order) == 0 {
		return ResolvedSet{}
	}
	out := ResolvedSet{
		order: append([]string(nil), r.order...),
		index: make(map[string]struct{}, len(r.index)),
	}
	for id := range r.index {
		out.index[id] = struct{}{}
	}
	return out
}
