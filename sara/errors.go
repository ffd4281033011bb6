package sara

import "errors"

var (
	// ErrNotResponding is returned by Init when the module did not answer
	// the wake-up sequence.
	ErrNotResponding = errors.New("module not responding")

	// ErrInvalidFilename is returned for names the module filesystem
	// rejects.
	ErrInvalidFilename = errors.New("invalid filename")

	// ErrFileExists is returned by UploadFile when the target exists and
	// overwriting was not requested.
	ErrFileExists = errors.New("file already exists")

	// ErrNoSpace is returned when the module refused an upload.
	ErrNoSpace = errors.New("not enough space on module filesystem")

	// ErrHTTPFailed is returned by AwaitHTTP when the module reported a
	// failed HTTP action.
	ErrHTTPFailed = errors.New("HTTP action failed")

	// ErrMQTTBroker is returned by AwaitMQTT when the module reported a
	// broker error.
	ErrMQTTBroker = errors.New("MQTT broker error")
)
