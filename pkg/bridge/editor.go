// Package bridge defines the backend capabilities the gateway consumes --
// object editing, org-scoped settings, bridge authentication -- and provides
// bus-backed implementations that exercise the service runtime's generated
// CRUD surface.
package bridge

import (
	"fmt"
	"time"

	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/metadata"
)

// Editor exposes authenticated retrieve/search/update access to backend
// objects plus a permission probe. The core treats it as an opaque remote
// capability.
type Editor interface {
	// SetToken attaches the bridge auth token subsequent calls act under.
	SetToken(token string)
	Retrieve(class string, id any) (map[string]any, error)
	Search(class string, filter map[string]any) ([]map[string]any, error)
	Create(class string, obj map[string]any) (map[string]any, error)
	Update(class string, obj map[string]any) error
	Delete(class string, id any) error
	Allowed(perm string, orgID int64) (bool, error)
}

var _ Editor = (*BusEditor)(nil)

// PermCheckMethod is the remote permission probe. Permission semantics are
// owned by the actor service, not this module.
const PermCheckMethod = "stacks.actor.user.perm.check"

// BusEditor implements Editor by issuing calls to a storage service's
// generated `<service>.direct.<mapper>.<op>` surface.
type BusEditor struct {
	client  *bus.Client
	meta    *metadata.Registry
	service string
	token   string
	timeout time.Duration
}

// NewBusEditor builds an editor bound to the named storage service.
func NewBusEditor(client *bus.Client, meta *metadata.Registry, service string) *BusEditor {
	return &BusEditor{
		client:  client,
		meta:    meta,
		service: service,
		timeout: 30 * time.Second,
	}
}

// SetToken attaches a bridge auth token used for permission-gated calls.
func (e *BusEditor) SetToken(token string) { e.token = token }

// Token returns the attached bridge auth token, if any.
func (e *BusEditor) Token() string { return e.token }

func (e *BusEditor) methodFor(class, op string) (string, error) {
	c, ok := e.meta.Class(class)
	if !ok {
		return "", fmt.Errorf("bridge: unknown class %q", class)
	}
	if c.Mapper == "" {
		return "", fmt.Errorf("bridge: class %q has no mapper id", class)
	}
	return fmt.Sprintf("%s.direct.%s.%s", e.service, c.MapperDotted(), op), nil
}

// Retrieve implements Editor. A missing object yields (nil, nil).
func (e *BusEditor) Retrieve(class string, id any) (map[string]any, error) {
	method, err := e.methodFor(class, "retrieve")
	if err != nil {
		return nil, err
	}
	v, err := e.client.Request(e.service, method, e.timeout, id)
	if err != nil || v == nil {
		return nil, err
	}
	return bus.Object(v)
}

// Search implements Editor.
func (e *BusEditor) Search(class string, filter map[string]any) ([]map[string]any, error) {
	method, err := e.methodFor(class, "search")
	if err != nil {
		return nil, err
	}
	ses := e.client.Session(e.service)
	pending, err := ses.Request(method, filter)
	if err != nil {
		return nil, err
	}
	values, err := pending.All(e.timeout)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(values))
	for _, v := range values {
		obj, err := bus.Object(v)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Create implements Editor, returning the stored object with its key set.
func (e *BusEditor) Create(class string, obj map[string]any) (map[string]any, error) {
	method, err := e.methodFor(class, "create")
	if err != nil {
		return nil, err
	}
	v, err := e.client.Request(e.service, method, e.timeout, obj)
	if err != nil || v == nil {
		return nil, err
	}
	return bus.Object(v)
}

// Update implements Editor.
func (e *BusEditor) Update(class string, obj map[string]any) error {
	method, err := e.methodFor(class, "update")
	if err != nil {
		return err
	}
	_, err = e.client.Request(e.service, method, e.timeout, obj)
	return err
}

// Delete implements Editor.
func (e *BusEditor) Delete(class string, id any) error {
	method, err := e.methodFor(class, "delete")
	if err != nil {
		return err
	}
	_, err = e.client.Request(e.service, method, e.timeout, id)
	return err
}

// Allowed implements Editor by delegating to the actor service's permission
// probe with the attached token.
func (e *BusEditor) Allowed(perm string, orgID int64) (bool, error) {
	v, err := e.client.Request("stacks.actor", PermCheckMethod, e.timeout, e.token, perm, orgID)
	if err != nil {
		return false, err
	}
	allowed, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("bridge: unexpected perm check reply %v", v)
	}
	return allowed, nil
}
