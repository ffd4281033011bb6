package sara

import (
	"log/slog"
	"maps"
	"sync"
	"time"
)

// RegistrationStatus is the EPS network registration status reported by
// +CEREG.
type RegistrationStatus int

const (
	NotRegistered         RegistrationStatus = 0
	RegisteredHome        RegistrationStatus = 1
	Searching             RegistrationStatus = 2
	RegistrationDenied    RegistrationStatus = 3
	RegistrationUnknown   RegistrationStatus = 4
	RegisteredRoaming     RegistrationStatus = 5
	EmergencyBearerOnly   RegistrationStatus = 8
	registrationNotReport RegistrationStatus = -1
)

func (s RegistrationStatus) String() string {
	switch s {
	case NotRegistered:
		return "not_registered"
	case RegisteredHome:
		return "registered_home"
	case Searching:
		return "searching"
	case RegistrationDenied:
		return "denied"
	case RegistrationUnknown:
		return "unknown"
	case RegisteredRoaming:
		return "registered_roaming"
	case EmergencyBearerOnly:
		return "emergency_bearer_only"
	case registrationNotReport:
		return "not_reported"
	default:
		return "invalid"
	}
}

// MarshalText renders the status by name in JSON state dumps.
func (s RegistrationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PSMState is the power saving mode state reported by +UUPSMR.
type PSMState int

const (
	PSMInactive PSMState = iota
	PSMEntering
	PSMBlocked
	PSMPartialClientBlocking
)

func (s PSMState) String() string {
	switch s {
	case PSMInactive:
		return "inactive"
	case PSMEntering:
		return "entering"
	case PSMBlocked:
		return "blocked"
	case PSMPartialClientBlocking:
		return "partial_client_blocking"
	default:
		return "invalid"
	}
}

func (s PSMState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PSD is the state of the packet switched data profile.
type PSD struct {
	Active bool   `json:"active"`
	IP     string `json:"ip,omitempty"`
}

// HTTPResult is the outcome of the last HTTP action on a profile.
type HTTPResult struct {
	Completed bool `json:"completed"`
	Failed    bool `json:"failed"`
	Command   int  `json:"command"`
}

// Location is a position estimate reported by +UULOC. The fields after
// Uncertainty are only set for detailed reports.
type Location struct {
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	// Altitude in meters
	Altitude float64 `json:"altitude"`
	// Uncertainty is the 50% confidence radius in meters.
	Uncertainty int `json:"uncertainty"`

	Detailed bool `json:"detailed"`
	// Speed in m/s
	Speed float64 `json:"speed,omitempty"`
	// Course in degrees
	Course           float64 `json:"course,omitempty"`
	VerticalAccuracy int     `json:"vertical_accuracy,omitempty"`
	// Source is the sensor that produced the estimate.
	Source         int `json:"source,omitempty"`
	SatellitesUsed int `json:"satellites_used,omitempty"`
	AntennaStatus  int `json:"antenna_status,omitempty"`
	JammingStatus  int `json:"jamming_status,omitempty"`
}

// MQTTStatus tracks the MQTT client as reported by +UUMQTTC.
type MQTTStatus struct {
	Connected   bool `json:"connected"`
	BrokerError bool `json:"broker_error"`
	// LastCommand is the command id of the last completion, -1 if none.
	LastCommand int `json:"last_command"`
	// LastResult is the raw status value of the last completion.
	LastResult int `json:"last_result"`
}

// Snapshot is a copy of the module state.
type Snapshot struct {
	ICCID               string             `json:"iccid,omitempty"`
	IMEI                string             `json:"imei,omitempty"`
	Model               string             `json:"model,omitempty"`
	Registration        RegistrationStatus `json:"registration"`
	TrackingAreaCode    string             `json:"tracking_area_code,omitempty"`
	CellID              string             `json:"cell_id,omitempty"`
	SignallingConnected bool               `json:"signalling_connected"`
	PSD                 PSD                `json:"psd"`
	PSM                 PSMState           `json:"psm"`
	HTTP                map[int]HTTPResult `json:"http,omitempty"`
	MQTT                MQTTStatus         `json:"mqtt"`
	Location            *Location          `json:"location,omitempty"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// Change describes one state transition.
type Change struct {
	Parameter string    `json:"parameter"`
	Old       any       `json:"old"`
	New       any       `json:"new"`
	At        time.Time `json:"at"`
}

// State is the module state shared between notification handlers, which
// run on the reader loop, and callers polling for transitions.
type State struct {
	mu     sync.RWMutex
	snap   Snapshot
	logger *slog.Logger

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Change)
}

func newState(logger *slog.Logger) *State {
	return &State{
		snap: Snapshot{
			Registration: registrationNotReport,
			HTTP:         make(map[int]HTTPResult),
			MQTT:         MQTTStatus{LastCommand: -1},
		},
		logger: logger,
		subs:   make(map[int]func(Change)),
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.HTTP = maps.Clone(s.snap.HTTP)
	return snap
}

// Subscribe registers fn for every change. fn runs on the goroutine that
// applied the change, usually the reader loop, and must not block. The
// returned function removes the subscription.
func (s *State) Subscribe(fn func(Change)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// update applies fn under the lock and publishes one Change per reported
// field.
func (s *State) update(fn func(snap *Snapshot) []Change) {
	s.mu.Lock()
	changes := fn(&s.snap)
	now := time.Now()
	if len(changes) > 0 {
		s.snap.UpdatedAt = now
	}
	s.mu.Unlock()

	for i := range changes {
		changes[i].At = now
		s.logger.Info("Module state changed", "parameter", changes[i].Parameter, "old", changes[i].Old, "new", changes[i].New)
	}
	if len(changes) == 0 {
		return
	}

	s.subMu.Lock()
	subs := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
	}
}

// set assigns v to *field and reports a change if the value differs.
func set[T comparable](changes []Change, name string, field *T, v T) []Change {
	if *field == v {
		return changes
	}
	changes = append(changes, Change{Parameter: name, Old: *field, New: v})
	*field = v
	return changes
}
