package ops

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// incident is a warning or error raised by one part of the pipeline.
type incident struct {
	At        time.Time `json:"at"`
	Level     string    `json:"level"`
	Component string    `json:"component"`
	SessionID string    `json:"session_id,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// incidentLog is a logrus hook holding the latest incidents of each
// component. A feed that keeps failing only evicts its own history.
type incidentLog struct {
	mu       sync.Mutex
	perKey   int
	byKey    map[string][]incident
	detached atomic.Bool
}

func newIncidentLog(perComponent int) *incidentLog {
	if perComponent <= 0 {
		perComponent = 50
	}
	return &incidentLog{perKey: perComponent, byKey: make(map[string][]incident)}
}

func (l *incidentLog) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (l *incidentLog) Fire(entry *logrus.Entry) error {
	if l.detached.Load() {
		return nil
	}

	inc := incident{
		At:        entry.Time,
		Level:     entry.Level.String(),
		Component: "unknown",
		Message:   entry.Message,
	}
	if v, ok := entry.Data["component"].(string); ok && v != "" {
		inc.Component = v
	}
	if v, ok := entry.Data["session_id"].(string); ok {
		inc.SessionID = v
	}
	if v, ok := entry.Data["endpoint"].(string); ok {
		inc.Endpoint = v
	}
	if err, ok := entry.Data[logrus.ErrorKey].(error); ok {
		inc.Error = err.Error()
	}

	l.mu.Lock()
	ring := append(l.byKey[inc.Component], inc)
	if over := len(ring) - l.perKey; over > 0 {
		ring = append([]incident(nil), ring[over:]...)
	}
	l.byKey[inc.Component] = ring
	l.mu.Unlock()
	return nil
}

// query returns incidents oldest first. Empty filters match everything.
func (l *incidentLog) query(component, sessionID string) []incident {
	l.mu.Lock()
	out := []incident{}
	for key, ring := range l.byKey {
		if component != "" && key != component {
			continue
		}
		for _, inc := range ring {
			if sessionID == "" || inc.SessionID == sessionID {
				out = append(out, inc)
			}
		}
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (l *incidentLog) detach() {
	l.detached.Store(true)
}
