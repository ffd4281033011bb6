package sara

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellmodem/framing"
	"i4.energy/across/cellmodem/modem"
)

const (
	maxFilenameLength = 248
	invalidFilename   = `/*:%|"<>?`

	// uploadResponseTime covers the prompt and the final OK of an upload.
	uploadResponseTime = 10 * time.Second
	// uploadMargin allows for retransmissions on the UART.
	uploadMargin = 0.5
)

// ValidateFilename checks name against the module filesystem rules.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidFilename)
	case len(name) > maxFilenameLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidFilename, maxFilenameLength)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: starts with a period", ErrInvalidFilename)
	}
	if i := strings.IndexAny(name, invalidFilename); i >= 0 {
		return fmt.Errorf("%w: character %q", ErrInvalidFilename, name[i])
	}
	return nil
}

// ListFiles returns the names of all files on the module.
func (mod *Module) ListFiles(ctx context.Context) ([]string, error) {
	reply, err := mod.query(ctx, "AT+ULSTFILE=0")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range reply.Fields {
		if f != "" {
			names = append(names, f)
		}
	}
	return names, nil
}

// FreeSpace returns the free space of the module filesystem in bytes.
func (mod *Module) FreeSpace(ctx context.Context) (int64, error) {
	reply, err := mod.query(ctx, "AT+ULSTFILE=1")
	if err != nil {
		return 0, err
	}
	return parseSize(reply.Field(0))
}

// FileSize returns the size of name in bytes.
func (mod *Module) FileSize(ctx context.Context, name string) (int64, error) {
	if err := ValidateFilename(name); err != nil {
		return 0, err
	}
	reply, err := mod.query(ctx, fmt.Sprintf(`AT+ULSTFILE=2,"%s"`, name))
	if err != nil {
		return 0, err
	}
	return parseSize(reply.Field(0))
}

func parseSize(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q", modem.ErrProtocol, s)
	}
	return n, nil
}

// readFileRequest marks the large binary transfer for the duration of the
// read so the reader loop passes payload bytes through quietly.
func (mod *Module) readFileRequest(ctx context.Context, req modem.Request) (*modem.Reply, error) {
	mod.modem.SetBinaryTransfer(true)
	defer mod.modem.SetBinaryTransfer(false)
	return mod.modem.SendCommand(ctx, req)
}

// ReadFile reads name into memory. Use ReadFileTo for large files.
func (mod *Module) ReadFile(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	if err := ValidateFilename(name); err != nil {
		return nil, err
	}
	reply, err := mod.readFileRequest(ctx, modem.Request{
		Command:   fmt.Sprintf(`AT+URDFILE="%s"`, name),
		Reply:     modem.ExactReply(),
		Multiline: true,
		Timeout:   timeout,
	})
	if err != nil {
		return nil, err
	}
	_, data, err := framing.ParseLines(reply.Lines, "URDFILE")
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// ReadFileTo streams name into the local file at path, which ends up
// holding exactly the file content. It returns the file size.
func (mod *Module) ReadFileTo(ctx context.Context, name, path string, timeout time.Duration) (int64, error) {
	if err := ValidateFilename(name); err != nil {
		return 0, err
	}
	_, err := mod.readFileRequest(ctx, modem.Request{
		Command:    fmt.Sprintf(`AT+URDFILE="%s"`, name),
		Reply:      modem.ExactReply(),
		Multiline:  true,
		OutputPath: path,
		Timeout:    timeout,
	})
	if err != nil {
		return 0, err
	}
	size, err := framing.ParseFile(path, "URDFILE")
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	mod.logger.Info("Read file", "name", name, "size", size, "path", path)
	return size, nil
}

// ReadFileBlock reads length bytes of name starting at offset.
func (mod *Module) ReadFileBlock(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	if err := ValidateFilename(name); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("%w: negative offset or length", modem.ErrInvalidRequest)
	}
	reply, err := mod.readFileRequest(ctx, modem.Request{
		Command:   fmt.Sprintf(`AT+URDBLOCK="%s",%d,%d`, name, offset, length),
		Reply:     modem.ExactReply(),
		Multiline: true,
	})
	if err != nil {
		return nil, err
	}
	_, data, err := framing.ParseLines(reply.Lines, "URDBLOCK")
	if err != nil {
		return nil, fmt.Errorf("read block of %s: %w", name, err)
	}
	return data, nil
}

// FileExists checks name with an empty block read.
func (mod *Module) FileExists(ctx context.Context, name string) (bool, error) {
	_, err := mod.ReadFileBlock(ctx, name, 0, 0)
	var cme *modem.CMEError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &cme):
		return false, nil
	default:
		return false, err
	}
}

// UploadTimeout is the time an upload of n bytes may take at baud.
func UploadTimeout(n, baud int) time.Duration {
	transfer := time.Duration(float64(n*8) / float64(baud) * (1 + uploadMargin) * float64(time.Second))
	return transfer + uploadResponseTime
}

// UploadFile writes data to name on the module. An existing file is
// replaced only if overwrite is set.
func (mod *Module) UploadFile(ctx context.Context, name string, data []byte, overwrite bool) error {
	if err := ValidateFilename(name); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty upload", modem.ErrInvalidRequest)
	}

	exists, err := mod.FileExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if !overwrite {
			return fmt.Errorf("%w: %s", ErrFileExists, name)
		}
		if err := mod.DeleteFile(ctx, name); err != nil {
			return err
		}
	}

	_, err = mod.modem.SendCommand(ctx, modem.Request{
		Command: fmt.Sprintf(`AT+UDWNFILE="%s",%d`, name, len(data)),
		Input:   data,
		Timeout: UploadTimeout(len(data), mod.cfg.BaudRate),
	})
	var cme *modem.CMEError
	if errors.As(err, &cme) {
		return fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	if err != nil {
		return err
	}
	mod.logger.Info("Uploaded file", "name", name, "size", len(data))
	return nil
}

// DeleteFile removes name from the module.
func (mod *Module) DeleteFile(ctx context.Context, name string) error {
	if err := ValidateFilename(name); err != nil {
		return err
	}
	if err := mod.action(ctx, fmt.Sprintf(`AT+UDELFILE="%s"`, name), 0); err != nil {
		return err
	}
	mod.logger.Info("Deleted file", "name", name)
	return nil
}

// DeleteAllFiles removes every file except the ones named in keep.
func (mod *Module) DeleteAllFiles(ctx context.Context, keep ...string) error {
	names, err := mod.ListFiles(ctx)
	if err != nil {
		return err
	}
	skip := make(map[string]bool, len(keep))
	for _, k := range keep {
		skip[k] = true
	}
	for _, name := range names {
		if skip[name] {
			continue
		}
		if err := mod.DeleteFile(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	return nil
}
