package entity

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/MrWong99/entitymesh/pkg/codec"
)

// FirstUserMessageCode is the lowest code available to application messages.
// Codes below it belong to the runtime.
const FirstUserMessageCode = 100

var (
	// ErrReservedCode is returned when an application message claims a code
	// below [FirstUserMessageCode].
	ErrReservedCode = errors.New("entity: message code is reserved")

	// ErrDuplicateCode is returned when two message types share a code.
	ErrDuplicateCode = errors.New("entity: duplicate message code")

	// ErrUnregisteredMessage is returned when encoding or decoding a message
	// whose type or code is not in the [MessageRegistry].
	ErrUnregisteredMessage = errors.New("entity: unregistered message")
)

// Message is a value exchanged between entities. Implementations must be
// plain value types (not pointers) so that each receiver observes its own
// copy.
type Message interface {
	MessageCode() uint32
}

// Envelope is the encoded form of a [Message]. The zero Envelope encodes a
// nil message.
type Envelope struct {
	Code    uint32
	Payload []byte
}

// IsNil reports whether e carries no message.
func (e Envelope) IsNil() bool { return e.Code == 0 }

// MessageRegistry maps message codes to their Go types. It is built at
// start-up and read concurrently afterwards.
type MessageRegistry struct {
	mu     sync.RWMutex
	byCode map[uint32]reflect.Type
	byType map[reflect.Type]uint32
}

// NewMessageRegistry returns a registry that already knows the runtime's own
// messages.
func NewMessageRegistry() *MessageRegistry {
	r := &MessageRegistry{
		byCode: make(map[uint32]reflect.Type),
		byType: make(map[reflect.Type]uint32),
	}
	for _, m := range runtimeMessages {
		if err := r.add(m, true); err != nil {
			panic(err)
		}
	}
	return r
}

// Add registers application message types by sample value. All samples are
// checked; the returned error joins every problem found.
func (r *MessageRegistry) Add(samples ...Message) error {
	var errs []error
	for _, m := range samples {
		if err := r.add(m, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MustAdd is like [MessageRegistry.Add] but panics on error.
func (r *MessageRegistry) MustAdd(samples ...Message) *MessageRegistry {
	if err := r.Add(samples...); err != nil {
		panic(err)
	}
	return r
}

func (r *MessageRegistry) add(m Message, reserved bool) error {
	if m == nil {
		return fmt.Errorf("entity: nil message sample")
	}
	t := reflect.TypeOf(m)
	if t.Kind() == reflect.Pointer {
		return fmt.Errorf("entity: message %s must be a value type", t)
	}
	code := m.MessageCode()
	if code == 0 || (!reserved && code < FirstUserMessageCode) {
		return fmt.Errorf("%w: %s uses code %d", ErrReservedCode, t, code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byCode[code]; ok {
		if prev == t {
			return nil
		}
		return fmt.Errorf("%w: %d used by %s and %s", ErrDuplicateCode, code, prev, t)
	}
	if prev, ok := r.byType[t]; ok {
		return fmt.Errorf("%w: %s registered with codes %d and %d", ErrDuplicateCode, t, prev, code)
	}
	r.byCode[code] = t
	r.byType[t] = code
	return nil
}

// Lookup returns the type registered under code.
func (r *MessageRegistry) Lookup(code uint32) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byCode[code]
	return t, ok
}

// Encode serializes m with c. A nil message yields the zero Envelope.
func (r *MessageRegistry) Encode(c codec.Codec, m Message) (Envelope, error) {
	if m == nil {
		return Envelope{}, nil
	}
	t := reflect.TypeOf(m)
	r.mu.RLock()
	code, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return Envelope{}, fmt.Errorf("%w: type %s", ErrUnregisteredMessage, t)
	}
	payload, err := c.Marshal(m)
	if err != nil {
		return Envelope{}, fmt.Errorf("entity: encode %s: %w", t, err)
	}
	return Envelope{Code: code, Payload: payload}, nil
}

// Decode deserializes env into a fresh value of its registered type.
func (r *MessageRegistry) Decode(c codec.Codec, env Envelope) (Message, error) {
	if env.IsNil() {
		return nil, nil
	}
	t, ok := r.Lookup(env.Code)
	if !ok {
		return nil, fmt.Errorf("%w: code %d", ErrUnregisteredMessage, env.Code)
	}
	ptr := reflect.New(t)
	if err := c.Unmarshal(env.Payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("entity: decode %s: %w", t, err)
	}
	return ptr.Elem().Interface().(Message), nil
}

// messageName is the short type name used in logs and metric attributes.
func messageName(m Message) string {
	if m == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(m)
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
