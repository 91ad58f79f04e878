package session

import "context"

const LoginPath = "/login"

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed  bool
	Redirect string
	Session  *Session
}

// Gate guards protected screens. Each Wait subscribes afresh and decides on
// the first session notification; nothing is remembered between calls.
type Gate struct {
	sessions *Manager
}

func NewGate(m *Manager) *Gate {
	return &Gate{sessions: m}
}

// Wait blocks until the session stream has a value, then tears the
// subscription down.
func (g *Gate) Wait(ctx context.Context) (Decision, error) {
	sub, cancel := context.WithCancel(ctx)
	defer cancel()

	select {
	case s, ok := <-g.sessions.Watch(sub):
		if !ok {
			return Decision{}, ctx.Err()
		}
		if s == nil {
			return Decision{Redirect: LoginPath}, nil
		}
		return Decision{Allowed: true, Session: s}, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}
