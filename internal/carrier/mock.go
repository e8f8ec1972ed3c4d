package carrier

import (
	"context"
	"fmt"
	"sync"
)

// StatusUpdate records a single UpdateCallStatus call.
type StatusUpdate struct {
	SID    string
	Status string
}

// Mock is a Client that records calls for test assertions.
type Mock struct {
	mu         sync.Mutex
	created    []CallParams
	updates    []StatusUpdate
	fetches    []string
	seq        int
	createErrs []error // consumed one per CreateCall; nil entries succeed
	createErr  error   // returned once createErrs is exhausted
	updateErr  error
	recording  *Recording
	fetchErr   error
	messages   []SMS
	listErr    error

	// OnCreate, if set, runs after a successful CreateCall with the new sid.
	OnCreate func(sid string)
	// OnUpdate, if set, runs after a successful UpdateCallStatus.
	OnUpdate func(sid, status string)
}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) CreateCall(_ context.Context, p CallParams) (string, error) {
	m.mu.Lock()
	m.created = append(m.created, p)
	var err error
	if len(m.createErrs) > 0 {
		err, m.createErrs = m.createErrs[0], m.createErrs[1:]
	} else {
		err = m.createErr
	}
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.seq++
	sid := fmt.Sprintf("CA%04d", m.seq)
	hook := m.OnCreate
	m.mu.Unlock()

	if hook != nil {
		hook(sid)
	}
	return sid, nil
}

func (m *Mock) UpdateCallStatus(_ context.Context, sid, status string) error {
	m.mu.Lock()
	m.updates = append(m.updates, StatusUpdate{SID: sid, Status: status})
	err := m.updateErr
	hook := m.OnUpdate
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(sid, status)
	}
	return nil
}

func (m *Mock) FetchRecording(_ context.Context, callSID, recordingURL string) (*Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches = append(m.fetches, callSID+" "+recordingURL)
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if m.recording == nil {
		return nil, fmt.Errorf("call %s has no recording", callSID)
	}
	r := *m.recording
	return &r, nil
}

func (m *Mock) ListMessages(_ context.Context, f MessageFilter) ([]SMS, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []SMS
	for _, msg := range m.messages {
		if f.To != "" && msg.To != f.To {
			continue
		}
		out = append(out, msg)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// FailCreate queues errors for the next CreateCall calls, in order.
func (m *Mock) FailCreate(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErrs = append(m.createErrs, errs...)
}

// SetCreateError makes every CreateCall fail once queued errors run out.
func (m *Mock) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetUpdateError makes UpdateCallStatus fail. Pass nil to clear.
func (m *Mock) SetUpdateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = err
}

// SetRecording sets the result of FetchRecording.
func (m *Mock) SetRecording(r *Recording, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recording = r
	m.fetchErr = err
}

// SetMessages sets the messages ListMessages filters from.
func (m *Mock) SetMessages(msgs []SMS, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = msgs
	m.listErr = err
}

// Created returns the parameters of every CreateCall attempt.
func (m *Mock) Created() []CallParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallParams(nil), m.created...)
}

// Updates returns every status update.
func (m *Mock) Updates() []StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StatusUpdate(nil), m.updates...)
}

// Fetches returns "callSID recordingURL" for every FetchRecording call.
func (m *Mock) Fetches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetches...)
}
