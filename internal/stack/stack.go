// Package stack holds the stack data model: the bundle of functions,
// gateways, tables and storages a user submits, and the structural
// validation that turns a StackDefinition into a ValidatedStack.
package stack

import (
	"fmt"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

// HTTPMethod is one of the methods a gateway endpoint may bind.
type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodPatch   HTTPMethod = "PATCH"
	MethodDelete  HTTPMethod = "DELETE"
	MethodHead    HTTPMethod = "HEAD"
	MethodOptions HTTPMethod = "OPTIONS"
)

var validMethods = map[HTTPMethod]bool{
	MethodGet: true, MethodPost: true, MethodPut: true, MethodPatch: true,
	MethodDelete: true, MethodHead: true, MethodOptions: true,
}

const (
	// MinMemoryLimitBytes and MaxMemoryLimitBytes bound a function's declared
	// memory_limit; StackDefinition.Validate rejects anything outside this
	// range.
	MinMemoryLimitBytes = 1 << 20   // 1 MiB
	MaxMemoryLimitBytes = 512 << 20 // 512 MiB

	WasmRuntimeWasi10 = "wasi1.0"
)

// GatewayTarget names the assembly and function an endpoint/method pair
// invokes.
type GatewayTarget struct {
	Assembly string
	Function string
}

// KeyValueTable is a table service: a named, optionally-deleted KV table
// owned by the stack.
type KeyValueTable struct {
	Name   string
	Delete bool
}

// Storage is an object-storage service: a named, optionally-deleted bucket
// prefix owned by the stack.
type Storage struct {
	Name   string
	Delete bool
}

// Gateway is an HTTP gateway service: a name and a map of path template to
// method-to-target bindings.
type Gateway struct {
	Name      string
	Endpoints map[string]map[HTTPMethod]GatewayTarget
}

// Function is a WASM function service.
type Function struct {
	Name        string
	BinaryRef   string
	Runtime     string
	Env         map[string]string
	MemoryLimit uint64
}

// Service is one entry in a stack's ordered service list. Exactly one of the
// four fields is set; Kind/Name report which.
type Service struct {
	KeyValueTable *KeyValueTable
	Storage       *Storage
	Gateway       *Gateway
	Function      *Function
}

// Kind returns a short label for logging and error messages.
func (s Service) Kind() string {
	switch {
	case s.KeyValueTable != nil:
		return "table"
	case s.Storage != nil:
		return "storage"
	case s.Gateway != nil:
		return "gateway"
	case s.Function != nil:
		return "function"
	default:
		return "unknown"
	}
}

// Name returns the service's own name, regardless of kind.
func (s Service) Name() string {
	switch {
	case s.KeyValueTable != nil:
		return s.KeyValueTable.Name
	case s.Storage != nil:
		return s.Storage.Name
	case s.Gateway != nil:
		return s.Gateway.Name
	case s.Function != nil:
		return s.Function.Name
	default:
		return ""
	}
}

// Definition is a user-submitted stack: a name, version, ordered services and
// a monotonically increasing revision.
type Definition struct {
	ID       clusterid.StackID
	Name     string
	Version  string
	Services []Service
	Revision uint64
}

// Validated wraps a Definition that has passed Validate.
type Validated struct {
	Definition
}

// Validate runs the structural checks a deployable stack must pass: no
// duplicate names among same-kind services, every gateway endpoint
// references an existing function, every path template segment is a
// literal or {name}, and memory limits are within range.
func (d Definition) Validate() (Validated, error) {
	tableNames := map[string]bool{}
	storageNames := map[string]bool{}
	gatewayNames := map[string]bool{}
	functionNames := map[string]bool{}

	for _, svc := range d.Services {
		switch {
		case svc.KeyValueTable != nil:
			if tableNames[svc.KeyValueTable.Name] {
				return Validated{}, fmt.Errorf("stack: duplicate table name %q", svc.KeyValueTable.Name)
			}
			tableNames[svc.KeyValueTable.Name] = true
		case svc.Storage != nil:
			if storageNames[svc.Storage.Name] {
				return Validated{}, fmt.Errorf("stack: duplicate storage name %q", svc.Storage.Name)
			}
			storageNames[svc.Storage.Name] = true
		case svc.Gateway != nil:
			if gatewayNames[svc.Gateway.Name] {
				return Validated{}, fmt.Errorf("stack: duplicate gateway name %q", svc.Gateway.Name)
			}
			gatewayNames[svc.Gateway.Name] = true
		case svc.Function != nil:
			if functionNames[svc.Function.Name] {
				return Validated{}, fmt.Errorf("stack: duplicate function name %q", svc.Function.Name)
			}
			functionNames[svc.Function.Name] = true
			if svc.Function.MemoryLimit < MinMemoryLimitBytes || svc.Function.MemoryLimit > MaxMemoryLimitBytes {
				return Validated{}, fmt.Errorf("stack: function %q memory limit %d out of range [%d, %d]",
					svc.Function.Name, svc.Function.MemoryLimit, MinMemoryLimitBytes, MaxMemoryLimitBytes)
			}
		default:
			return Validated{}, fmt.Errorf("stack: service entry has no kind set")
		}
	}

	for _, svc := range d.Services {
		if svc.Gateway == nil {
			continue
		}
		for template, methods := range svc.Gateway.Endpoints {
			if err := validateTemplate(template); err != nil {
				return Validated{}, fmt.Errorf("stack: gateway %q: %w", svc.Gateway.Name, err)
			}
			for method, target := range methods {
				if !validMethods[method] {
					return Validated{}, fmt.Errorf("stack: gateway %q endpoint %q: unsupported method %q",
						svc.Gateway.Name, template, method)
				}
				if !functionNames[target.Function] {
					return Validated{}, fmt.Errorf("stack: gateway %q endpoint %q %s: references unknown function %q",
						svc.Gateway.Name, template, method, target.Function)
				}
			}
		}
	}

	return Validated{Definition: d}, nil
}

// validateTemplate checks that every slash-delimited segment is either a
// literal or exactly "{name}"; a segment mixing literal text and a
// placeholder is rejected.
func validateTemplate(template string) error {
	segments := splitPath(template)
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("empty path segment in template %q", template)
		}
		if hasBrace := containsAny(seg, "{}"); hasBrace {
			if len(seg) < 3 || seg[0] != '{' || seg[len(seg)-1] != '}' {
				return fmt.Errorf("malformed path parameter segment %q in template %q", seg, template)
			}
			inner := seg[1 : len(seg)-1]
			if inner == "" || containsAny(inner, "{}") {
				return fmt.Errorf("malformed path parameter segment %q in template %q", seg, template)
			}
		}
	}
	return nil
}

func splitPath(p string) []string {
	var out []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			out = append(out, p[start:i])
			start = i + 1
		}
	}
	out = append(out, p[start:])
	// Drop a single leading empty segment from a leading slash.
	if len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	return out
}

func containsAny(s, chars string) bool {
	for _, c := range chars {
		for _, sc := range s {
			if sc == c {
				return true
			}
		}
	}
	return false
}
