package modemsim

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"i4.energy/across/cellmodem/at"
)

const (
	ok          = "\r\nOK\r\n"
	errorResult = "\r\nERROR\r\n"
)

func cmeError(text string) string {
	return "\r\n" + at.CmeError + " " + text + "\r\n"
}

func reply(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("\r\n" + l + "\r\n")
	}
	b.WriteString(ok)
	return b.String()
}

func trimCommand(line string) string {
	return strings.TrimSpace(strings.TrimRight(line, at.CRLF))
}

// handle answers one command. Uploads read their payload from r.
func (s *Simulator) handle(r *bufio.Reader, cmd string) error {
	s.mu.Lock()
	s.received = append(s.received, cmd)
	echo := s.echo
	answer, scripted := s.nextScripted(cmd)
	s.mu.Unlock()

	if echo {
		if err := s.write([]byte(cmd + at.CRLF)); err != nil {
			return err
		}
	}
	if scripted {
		if answer == "" {
			return nil
		}
		return s.write([]byte(answer))
	}

	verb, args, _ := strings.Cut(cmd, "=")
	if name, size, isUpload := parseUpload(verb, args); isUpload {
		return s.upload(r, name, size)
	}
	return s.write([]byte(s.answer(cmd, verb, args)))
}

func (s *Simulator) nextScripted(cmd string) (string, bool) {
	queue, ok := s.scripted[cmd]
	if !ok || len(queue) == 0 {
		return "", false
	}
	if len(queue) > 1 {
		s.scripted[cmd] = queue[1:]
	}
	return queue[0], true
}

func parseUpload(verb, args string) (string, int, bool) {
	if verb != "AT+UDWNFILE" {
		return "", 0, false
	}
	f := at.Fields([]byte(args), "")
	if len(f) != 2 {
		return "", 0, false
	}
	size, err := strconv.Atoi(f[1])
	if err != nil || size <= 0 {
		return "", 0, false
	}
	return f[0], size, true
}

// upload shows the prompt, reads exactly size bytes and appends them to
// the file, as the module does.
func (s *Simulator) upload(r *bufio.Reader, name string, size int) error {
	s.mu.Lock()
	used := s.usedLocked()
	s.mu.Unlock()
	if used+size > Capacity {
		return s.write([]byte(cmeError("NOT ENOUGH FREE SPACE")))
	}

	if err := s.write([]byte("\r\n" + at.Prompt)); err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}

	s.mu.Lock()
	s.files[name] = append(s.files[name], data...)
	s.mu.Unlock()
	return s.write([]byte(ok))
}

func (s *Simulator) usedLocked() int {
	used := 0
	for _, data := range s.files {
		used += len(data)
	}
	return used
}

// answer builds the response to a command without input.
func (s *Simulator) answer(cmd, verb, args string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case "AT", "AT+UPSV=0", "AT+CMEE=2", "AT&W0", "AT&W1":
		return ok
	case "ATE0":
		s.echo = false
		return ok
	case "ATE1":
		s.echo = true
		return ok
	case "AT+CCID?":
		return reply("+CCID: " + s.iccid)
	case "AT+CGSN=1":
		return reply(`+CGSN: "` + s.imei + `"`)
	case "ATI7":
		return reply(s.model)
	case "AT+CEREG?":
		return reply(fmt.Sprintf("+CEREG: %d,%d", s.ceregN, s.stat))
	case "AT+CSCON?":
		return reply(fmt.Sprintf("+CSCON: 0,%d", boolInt(s.cscon)))
	}

	f := at.Fields([]byte(args), "")
	if len(f) == 0 {
		return errorResult
	}
	switch verb {
	case "AT+CEREG":
		n, err := strconv.Atoi(args)
		if err != nil || n < 0 || n > 5 {
			return errorResult
		}
		s.ceregN = n
		return ok

	case "AT+ULSTFILE":
		return s.listFile(f)

	case "AT+URDFILE":
		data, found := s.files[f[0]]
		if len(f) != 1 || !found {
			return cmeError("FILE NOT FOUND")
		}
		return reply(fmt.Sprintf(`+URDFILE: "%s",%d,"%s"`, f[0], len(data), data))

	case "AT+URDBLOCK":
		return s.readBlock(f)

	case "AT+UDELFILE":
		if _, found := s.files[f[0]]; !found {
			return cmeError("FILE NOT FOUND")
		}
		delete(s.files, f[0])
		return ok
	}
	return errorResult
}

func (s *Simulator) listFile(f []string) string {
	switch f[0] {
	case "0":
		names := make([]string, 0, len(s.files))
		for name := range s.files {
			names = append(names, `"`+name+`"`)
		}
		slices.Sort(names)
		return reply("+ULSTFILE: " + strings.Join(names, at.FieldSep))
	case "1":
		return reply(fmt.Sprintf("+ULSTFILE: %d", Capacity-s.usedLocked()))
	case "2":
		if len(f) != 2 {
			return errorResult
		}
		data, found := s.files[f[1]]
		if !found {
			return cmeError("FILE NOT FOUND")
		}
		return reply(fmt.Sprintf("+ULSTFILE: %d", len(data)))
	}
	return errorResult
}

func (s *Simulator) readBlock(f []string) string {
	if len(f) != 3 {
		return errorResult
	}
	data, found := s.files[f[0]]
	if !found {
		return cmeError("FILE NOT FOUND")
	}
	offset, err1 := strconv.Atoi(f[1])
	length, err2 := strconv.Atoi(f[2])
	if err1 != nil || err2 != nil || offset < 0 || length < 0 || offset > len(data) {
		return cmeError("OPERATION NOT ALLOWED")
	}
	end := min(offset+length, len(data))
	return reply(fmt.Sprintf(`+URDBLOCK: "%s",%d,"%s"`, f[0], end-offset, data[offset:end]))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
