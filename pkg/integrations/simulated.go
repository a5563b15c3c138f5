package integrations

import (
	"context"
	"fmt"
	"sync"

	"remedy/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Simulated stands in for an integration that has no endpoint configured.
// It keeps target state in memory so capture/apply/reverse stay coherent.
type Simulated struct {
	name   string
	specs  []ActionSpec
	logger *logrus.Logger

	mu    sync.Mutex
	state map[string]State
}

func NewSimulated(name string, specs []ActionSpec, logger *logrus.Logger) *Simulated {
	if logger == nil {
		logger = logrus.New()
	}
	return &Simulated{name: name, specs: specs, logger: logger, state: make(map[string]State)}
}

func (s *Simulated) Name() string { return s.name }

func (s *Simulated) Spec(action string) (ActionSpec, bool) {
	return specFor(s.specs, action)
}

func (s *Simulated) CaptureState(ctx context.Context, req Request) (State, error) {
	spec, ok := s.Spec(req.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}
	if !spec.Reversible {
		return nil, ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state[targetKey(req)]), nil
}

func (s *Simulated) Apply(ctx context.Context, req Request) (*Result, error) {
	if _, ok := s.Spec(req.Action); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, req.Action)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.logger.Warnf("%s not configured, simulating %s", s.name, req.Action)

	after := State{"applied": req.Action}
	s.mu.Lock()
	s.state[targetKey(req)] = after
	s.mu.Unlock()

	res := &Result{
		Message: fmt.Sprintf("[simulated] %s completed for %s", req.Action, firstNonEmpty(req.Params["user"], req.Params["device"])),
		After:   copyState(after),
	}
	if req.Action == ActionResetPassword {
		pw, err := utils.GenerateTemporaryPassword(temporaryPasswordLength)
		if err != nil {
			return nil, err
		}
		res.Sensitive = map[string]string{"temporary_password": pw}
	}
	return res, nil
}

func (s *Simulated) Reverse(ctx context.Context, req Request, before State) error {
	spec, ok := s.Spec(req.Action)
	if !ok || !spec.Reversible {
		return ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[targetKey(req)] = copyState(before)
	return nil
}

func targetKey(req Request) string {
	return req.Action + "|" + req.Params["user"] + "|" + req.Params["resource"] + "|" + req.Params["device"]
}

func copyState(s State) State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
