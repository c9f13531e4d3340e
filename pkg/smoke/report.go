package smoke

import (
	"agile/pkg/bus"
	"time"
)

// Step is one remote call made during a run.
type Step struct {
	Service  string        `json:"service"`
	Method   string        `json:"method"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report describes one run of the smoke sequence.
type Report struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Steps    []Step    `json:"steps"`
	Error    string    `json:"error,omitempty"`
	Kind     string    `json:"kind,omitempty"` // error kind, see bus.Kind
}

// OK reports whether every call succeeded.
func (r Report) OK() bool {
	return r.Error == ""
}

// Methods returns the method names in call order.
func (r Report) Methods() []string {
	methods := make([]string, 0, len(r.Steps))
	for _, st := range r.Steps {
		methods = append(methods, st.Method)
	}
	return methods
}

func (r *Report) finish(t time.Time, err error) {
	r.Finished = t
	if err != nil {
		r.Error = err.Error()
		r.Kind = bus.Kind(err)
	}
}
