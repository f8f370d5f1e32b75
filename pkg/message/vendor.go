package message

import "sync"

// VendorHandler receives frames addressed to a foreign vendor.
type VendorHandler interface {
	HandleVendorMessage(vendorID uint16, data []byte)
}

// VendorHandlerFunc adapts a function to VendorHandler.
type VendorHandlerFunc func(vendorID uint16, data []byte)

// HandleVendorMessage implements VendorHandler.
func (f VendorHandlerFunc) HandleVendorMessage(vendorID uint16, data []byte) {
	f(vendorID, data)
}

// VendorRegistry maps vendor ids to extension handlers.
//
// A registry is constructed once at process start and passed explicitly to
// the codecs and sessions that need it. Safe for concurrent use.
type VendorRegistry struct {
	mu       sync.RWMutex
	handlers map[uint16]VendorHandler
}

// NewVendorRegistry creates an empty registry.
func NewVendorRegistry() *VendorRegistry {
	return &VendorRegistry{handlers: make(map[uint16]VendorHandler)}
}

// Register adds a handler for vendorID.
func (r *VendorRegistry) Register(vendorID uint16, h VendorHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[vendorID]; exists {
		return ErrVendorRegistered
	}
	r.handlers[vendorID] = h
	return nil
}

// Unregister removes the handler for vendorID.
func (r *VendorRegistry) Unregister(vendorID uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, vendorID)
}

// Has returns true if a handler is registered for vendorID.
func (r *VendorRegistry) Has(vendorID uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[vendorID]
	return ok
}

// Dispatch offers v to its handler. Returns false if none is registered.
func (r *VendorRegistry) Dispatch(v Vendor) bool {
	r.mu.RLock()
	h, ok := r.handlers[v.VendorID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	h.HandleVendorMessage(v.VendorID, v.Data)
	return true
}
