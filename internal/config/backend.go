package config

// ConfigBackend is where non-secret config keys persist between runs:
// macOS user defaults, or a JSON file elsewhere. Numbers are stored in the
// backend's native number types; durations and everything else as strings.
// The ok result is false for a key that was never written.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	GetFloat(key string) (val float64, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	Delete(key string) error
}
