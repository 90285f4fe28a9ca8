package httpapi

import "sync"

// RESTBridge tracks the in-memory syncChannel backing each session driven
// through the REST ask/tell variant, so a later /observe call can find the
// channel its preceding /init call created. WebSocket sessions never
// register here; their channel lives only for the lifetime of the upgraded
// connection's handler goroutine.
type RESTBridge struct {
	mu       sync.Mutex
	channels map[string]*syncChannel
}

// NewRESTBridge creates an empty bridge.
func NewRESTBridge() *RESTBridge {
	return &RESTBridge{channels: make(map[string]*syncChannel)}
}

func (b *RESTBridge) put(id string, c *syncChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[id] = c
}

func (b *RESTBridge) get(id string) (*syncChannel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.channels[id]
	return c, ok
}

func (b *RESTBridge) delete(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, id)
}
