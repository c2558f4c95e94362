package dataflow

import "time"

// Hooks observe a dataflow. Every field is optional. Hooks run on the stage
// worker that owns the state and must not retain it.
type Hooks struct {
	OnStateBuilt   func(state *WorkState)
	OnStageStart   func(stage string, state *WorkState)
	OnStageDone    func(stage string, state *WorkState, elapsed time.Duration, err error)
	OnFinalized    func(state *WorkState)
	OnErrorHandled func(state *WorkState, err error)
}

// Merge combines hook sets; each callback runs in argument order.
func Merge(sets ...Hooks) Hooks {
	var h Hooks
	for _, s := range sets {
		s := s
		if s.OnStateBuilt != nil {
			prev := h.OnStateBuilt
			h.OnStateBuilt = func(state *WorkState) {
				if prev != nil {
					prev(state)
				}
				s.OnStateBuilt(state)
			}
		}
		if s.OnStageStart != nil {
			prev := h.OnStageStart
			h.OnStageStart = func(stage string, state *WorkState) {
				if prev != nil {
					prev(stage, state)
				}
				s.OnStageStart(stage, state)
			}
		}
		if s.OnStageDone != nil {
			prev := h.OnStageDone
			h.OnStageDone = func(stage string, state *WorkState, elapsed time.Duration, err error) {
				if prev != nil {
					prev(stage, state, elapsed, err)
				}
				s.OnStageDone(stage, state, elapsed, err)
			}
		}
		if s.OnFinalized != nil {
			prev := h.OnFinalized
			h.OnFinalized = func(state *WorkState) {
				if prev != nil {
					prev(state)
				}
				s.OnFinalized(state)
			}
		}
		if s.OnErrorHandled != nil {
			prev := h.OnErrorHandled
			h.OnErrorHandled = func(state *WorkState, err error) {
				if prev != nil {
					prev(state, err)
				}
				s.OnErrorHandled(state, err)
			}
		}
	}
	return h
}

func (h Hooks) stateBuilt(s *WorkState) {
	if h.OnStateBuilt != nil {
		h.OnStateBuilt(s)
	}
}

func (h Hooks) stageStart(stage string, s *WorkState) {
	if h.OnStageStart != nil {
		h.OnStageStart(stage, s)
	}
}

func (h Hooks) stageDone(stage string, s *WorkState, elapsed time.Duration, err error) {
	if h.OnStageDone != nil {
		h.OnStageDone(stage, s, elapsed, err)
	}
}

func (h Hooks) finalized(s *WorkState) {
	if h.OnFinalized != nil {
		h.OnFinalized(s)
	}
}

func (h Hooks) errorHandled(s *WorkState, err error) {
	if h.OnErrorHandled != nil {
		h.OnErrorHandled(s, err)
	}
}
