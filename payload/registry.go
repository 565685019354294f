package payload

import "sync"

var (
	mu       sync.RWMutex
	registry = map[string]Codec{
		"application/json": JSON{},
	}
)

// Register adds a codec to the global registry. Consumers look codecs up
// by the content type stamped on each entry, so registering a codec in the
// publishing process without registering it in the consuming process turns
// every entry it encodes into a decode failure there.
func Register(codec Codec) {
	mu.Lock()
	defer mu.Unlock()
	registry[codec.ContentType()] = codec
}

// Get retrieves a codec by content type from the global registry.
// Returns the codec and true if found, or nil and false if not found.
// An unknown content type is a decode failure, never a silent fallback:
// JSON-parsing msgpack bytes would corrupt instead of erroring.
func Get(contentType string) (Codec, bool) {
	mu.RLock()
	defer mu.RUnlock()
	c, ok := registry[contentType]
	return c, ok
}
