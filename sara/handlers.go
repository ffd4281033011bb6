package sara

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellmodem/at"
	"i4.energy/across/cellmodem/modem"
)

// MQTT disconnect reasons that mean the link dropped, not a broker error.
var mqttLinkLost = map[int]bool{100: true, 101: true, 102: true}

func (mod *Module) registerHandlers() error {
	table := []struct {
		prefix  string
		handler modem.NotificationHandler
		opts    []modem.NotificationOption
	}{
		{prefix: "+CEREG", handler: mod.handleCEREG},
		{prefix: "+CSCON", handler: mod.handleCSCON, opts: []modem.NotificationOption{modem.WithReplyFieldThreshold(1)}},
		{prefix: "+UUPSDA", handler: mod.handleUUPSDA},
		{prefix: "+UUPSDD", handler: mod.handleUUPSDD},
		{prefix: "+UUPSMR", handler: mod.handleUUPSMR},
		{prefix: "+UUHTTPCR", handler: mod.handleUUHTTPCR},
		{prefix: "+UUMQTTC", handler: mod.handleUUMQTTC},
		{prefix: "+UULOC", handler: mod.handleUULOC},
	}
	for _, e := range table {
		if err := mod.modem.RegisterNotification(e.prefix, e.handler, e.opts...); err != nil {
			return err
		}
	}
	return nil
}

func splitPayload(payload string) []string {
	parts := strings.Split(payload, at.FieldSep)
	for i := range parts {
		parts[i] = at.Unquote(strings.TrimSpace(parts[i]))
	}
	return parts
}

func (mod *Module) malformed(prefix, payload string, err error) {
	mod.logger.Warn("Malformed notification", "prefix", prefix, "payload", payload, "error", err)
}

// handleCEREG handles both the unsolicited form "<stat>[,<tac>,<ci>,...]"
// and the reply to AT+CEREG? "<n>,<stat>[,...]", which the modem sends with
// the same prefix. The configured report mode <n> tells them apart.
func (mod *Module) handleCEREG(payload string) {
	f := splitPayload(payload)
	n := mod.cfg.RegistrationReporting

	read := false
	switch {
	case len(f) == 1:
	case n == 0:
		// no unsolicited reports when disabled
		read = true
	case f[0] != strconv.Itoa(n):
	case n == 1:
		// unsolicited reports carry a single field in mode 1
		read = true
	case f[0] != strconv.Itoa(int(RegisteredRoaming)):
		read = true
	default:
		mod.logger.Warn("Ambiguous +CEREG report", "payload", payload, "mode", n)
		return
	}
	if read {
		f = f[1:]
	}

	stat, err := strconv.Atoi(f[0])
	if err != nil {
		mod.malformed("+CEREG", payload, err)
		return
	}
	mod.state.update(func(s *Snapshot) []Change {
		changes := set(nil, "registration", &s.Registration, RegistrationStatus(stat))
		if len(f) > 2 {
			changes = set(changes, "tracking_area_code", &s.TrackingAreaCode, f[1])
			changes = set(changes, "cell_id", &s.CellID, f[2])
		}
		return changes
	})
}

func (mod *Module) handleCSCON(payload string) {
	f := splitPayload(payload)
	mode, err := strconv.Atoi(f[0])
	if err != nil {
		mod.malformed("+CSCON", payload, err)
		return
	}
	mod.state.update(func(s *Snapshot) []Change {
		return set(nil, "signalling_connected", &s.SignallingConnected, mode != 0)
	})
}

// handleUUPSDA reports the result of a PSD activation: "<result>[,<ip>]",
// result 0 meaning success.
func (mod *Module) handleUUPSDA(payload string) {
	f := splitPayload(payload)
	result, err := strconv.Atoi(f[0])
	if err != nil {
		mod.malformed("+UUPSDA", payload, err)
		return
	}
	psd := PSD{Active: result == 0}
	if len(f) > 1 {
		psd.IP = f[1]
	}
	mod.state.update(func(s *Snapshot) []Change {
		return set(nil, "psd", &s.PSD, psd)
	})
}

func (mod *Module) handleUUPSDD(payload string) {
	mod.state.update(func(s *Snapshot) []Change {
		return set(nil, "psd", &s.PSD, PSD{})
	})
}

func (mod *Module) handleUUPSMR(payload string) {
	f := splitPayload(payload)
	st, err := strconv.Atoi(f[0])
	if err != nil {
		mod.malformed("+UUPSMR", payload, err)
		return
	}
	mod.state.update(func(s *Snapshot) []Change {
		return set(nil, "psm", &s.PSM, PSMState(st))
	})
}

// handleUUHTTPCR reports "<profile>,<command>,<result>", result 0 meaning
// the HTTP action failed.
func (mod *Module) handleUUHTTPCR(payload string) {
	v, err := ints(splitPayload(payload), 3)
	if err != nil {
		mod.malformed("+UUHTTPCR", payload, err)
		return
	}
	res := HTTPResult{Completed: true, Failed: v[2] == 0, Command: v[1]}
	if res.Failed {
		mod.logger.Error("HTTP action failed", "profile", v[0], "command", v[1])
	}
	mod.state.update(func(s *Snapshot) []Change {
		old := s.HTTP[v[0]]
		s.HTTP[v[0]] = res
		return []Change{{Parameter: "http." + strconv.Itoa(v[0]), Old: old, New: res}}
	})
}

// handleUUMQTTC reports "<command>,<result>". Command 0 is a disconnect,
// 1 a connect, 2 to 5 publish and subscription commands.
func (mod *Module) handleUUMQTTC(payload string) {
	v, err := ints(splitPayload(payload), 2)
	if err != nil {
		mod.malformed("+UUMQTTC", payload, err)
		return
	}
	cmd, result := v[0], v[1]

	mod.state.update(func(s *Snapshot) []Change {
		next := s.MQTT
		next.LastCommand, next.LastResult = cmd, result
		switch {
		case cmd == 0 && result == 1:
			next.Connected = false
		case cmd == 0 && mqttLinkLost[result]:
			mod.logger.Info("MQTT connection lost", "reason", result)
			next.Connected = false
		case cmd == 0:
			mod.logger.Error("MQTT connection error", "reason", result)
			next.BrokerError = true
		case cmd == 1 && result == 1:
			next.Connected = true
			next.BrokerError = false
		case cmd == 1:
			mod.logger.Error("MQTT connect failed", "payload", payload)
			next.BrokerError = true
		case result != 1:
			next.BrokerError = true
		}
		return set(nil, "mqtt", &s.MQTT, next)
	})
}

func ints(f []string, n int) ([]int, error) {
	if len(f) < n {
		return nil, strconv.ErrSyntax
	}
	out := make([]int, n)
	for i := range out {
		v, err := strconv.Atoi(f[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// uulocTimeLayout parses the "<date>,<time>" pair of +UULOC. Fractional
// seconds are accepted without being named in the layout.
const uulocTimeLayout = "02/01/2006 15:04:05"

// handleUULOC stores a position estimate. The short form has 6 fields:
// "<date>,<time>,<lat>,<long>,<alt>,<uncertainty>". The detailed form adds
// "<speed>,<direction>,<vertical_acc>,<sensor_used>,<SV_used>,
// <antenna_status>,<jamming_status>". The multiple hypothesis form is
// logged and skipped.
func (mod *Module) handleUULOC(payload string) {
	f := splitPayload(payload)
	switch {
	case len(f) == 6, len(f) == 13:
	case len(f) == 10, len(f) >= 15:
		mod.logger.Warn("Multiple hypothesis location report not supported", "fields", len(f))
		return
	default:
		mod.malformed("+UULOC", payload, fmt.Errorf("unexpected field count %d", len(f)))
		return
	}

	loc, err := parseLocation(f)
	if err != nil {
		mod.malformed("+UULOC", payload, err)
		return
	}
	mod.state.update(func(s *Snapshot) []Change {
		old := s.Location
		s.Location = loc
		return []Change{{Parameter: "location", Old: old, New: loc}}
	})
}

func parseLocation(f []string) (*Location, error) {
	ts, err := time.Parse(uulocTimeLayout, f[0]+" "+f[1])
	if err != nil {
		return nil, err
	}
	loc := &Location{Time: ts}

	var errs []error
	float := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		errs = append(errs, err)
		return v
	}
	integer := func(s string) int {
		v, err := strconv.Atoi(s)
		errs = append(errs, err)
		return v
	}

	loc.Latitude = float(f[2])
	loc.Longitude = float(f[3])
	loc.Altitude = float(f[4])
	loc.Uncertainty = integer(f[5])
	if len(f) == 13 {
		loc.Detailed = true
		loc.Speed = float(f[6])
		loc.Course = float(f[7])
		loc.VerticalAccuracy = integer(f[8])
		loc.Source = integer(f[9])
		loc.SatellitesUsed = integer(f[10])
		loc.AntennaStatus = integer(f[11])
		loc.JammingStatus = integer(f[12])
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return loc, nil
}
