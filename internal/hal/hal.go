// Package hal provides the verbs-style hardware abstraction layer for the
// adapter.
//
// This file defines the interface between the driver's control plane and the
// underlying hardware. It provides:
// - Hardware abstraction for different adapter implementations
// - A simulated mode for development and testing
//
// The fast path never calls through this interface per packet; it only uses
// the opaque registration handles obtained here and cached by the
// registration cache.
package hal

import (
	"errors"
)

// Hal errors.
var (
	ErrNotInitialized  = errors.New("hal backend not initialized")
	ErrDeviceNotFound  = errors.New("adapter device not found")
	ErrDeviceOpen      = errors.New("failed to open device context")
	ErrPDAllocation    = errors.New("failed to allocate protection domain")
	ErrMRRegistration  = errors.New("failed to register memory region")
	ErrQueueCreation   = errors.New("failed to create hardware queue")
	ErrQueueStart      = errors.New("failed to start hardware queue")
	ErrQueueStop       = errors.New("failed to stop hardware queue")
	ErrNoEvent         = errors.New("no async event pending")
	ErrInvalidHandle   = errors.New("invalid hardware handle")
	ErrNoAsyncChannel  = errors.New("device has no async event channel")
	ErrNoDoorbell      = errors.New("device has no doorbell region")
)

// Handle types for hardware objects.
type (
	DeviceContext uintptr
	PD            uintptr
	MRHandle      uintptr
	QueueHandle   uintptr
)

// QueueDirection distinguishes send and receive hardware queues.
type QueueDirection int

const (
	QueueSend QueueDirection = iota
	QueueRecv
)

// String returns the direction name.
func (d QueueDirection) String() string {
	if d == QueueSend {
		return "tx"
	}

	return "rx"
}

// AsyncEventKind identifies an asynchronous hardware event.
type AsyncEventKind int

const (
	// EventDeviceFatal reports the device failed or is being removed.
	EventDeviceFatal AsyncEventKind = iota + 1

	// EventPortState reports a port state change. Acked and ignored by the
	// monitor; its semantics belong to a higher layer.
	EventPortState

	// EventQueueError reports a per-queue error. Acked and ignored by the
	// monitor.
	EventQueueError
)

// AsyncEvent is one event read from the device's async channel. Every event
// must be acknowledged exactly once regardless of kind.
type AsyncEvent struct {
	Kind AsyncEventKind
	ID   uint64
}

// DeviceAttr describes the limits of an opened device.
type DeviceAttr struct {
	Name           string
	FWVer          string
	MaxQueues      int
	MaxDescriptors uint32
	MaxSGE         int
	MaxMR          int
	MaxMRSize      uint64
	NumaNode       int
}

// MemoryRegion is a registered DMA memory range. Handle is the hardware
// registration handle; LKey is the key the fast path places in descriptors.
type MemoryRegion struct {
	Handle MRHandle
	LKey   uint32
	Addr   uintptr
	Length int
}

// Backend defines the hardware control operations consumed by the driver.
// Implementations must be safe for concurrent use: the control plane and the
// interrupt monitor call in from different goroutines.
type Backend interface {
	// Initialization
	Init() error
	Close() error

	// Device management
	ListDevices() ([]DeviceAttr, error)
	OpenDevice(name string) (DeviceContext, error)
	CloseDevice(ctx DeviceContext) error
	QueryDevice(ctx DeviceContext) (*DeviceAttr, error)

	// Protection domain
	AllocPD(ctx DeviceContext) (PD, error)
	DeallocPD(pd PD) error

	// Memory registration
	RegMR(pd PD, addr uintptr, length int) (*MemoryRegion, error)
	DeregMR(mr MRHandle) error

	// Hardware queues
	CreateQueue(pd PD, dir QueueDirection, depth uint32) (QueueHandle, error)
	StartQueue(q QueueHandle) error
	StopQueue(q QueueHandle) error
	DestroyQueue(q QueueHandle) error

	// Async event channel. AsyncFD returns a file descriptor readable
	// whenever events are pending. GetAsyncEvent is non-blocking and
	// returns ErrNoEvent when drained.
	AsyncFD(ctx DeviceContext) (int, error)
	GetAsyncEvent(ctx DeviceContext) (*AsyncEvent, error)
	AckAsyncEvent(ev *AsyncEvent)

	// DoorbellFD returns a file descriptor whose first page maps the
	// device doorbell region. Secondary processes receive this descriptor
	// over the resource message channel and map it themselves.
	DoorbellFD(ctx DeviceContext) (int, error)
}

// Allocator mirrors the buffer allocator hook the adapter library calls when
// it needs host memory for queue structures. Socket is a NUMA hint.
type Allocator interface {
	Alloc(size int, socket int) ([]byte, error)
	Free(buf []byte)
}
