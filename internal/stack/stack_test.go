package stack

import (
	"testing"

	"github.com/synnergy-mu/cluster/internal/clusterid"
)

func mustID(t *testing.T) clusterid.StackID {
	t.Helper()
	id, err := clusterid.RandomStackID('s')
	if err != nil {
		t.Fatalf("RandomStackID: %v", err)
	}
	return id
}

func TestValidateRejectsDuplicateTableNames(t *testing.T) {
	d := Definition{
		ID: mustID(t),
		Services: []Service{
			{KeyValueTable: &KeyValueTable{Name: "users"}},
			{KeyValueTable: &KeyValueTable{Name: "users"}},
		},
	}
	if _, err := d.Validate(); err == nil {
		t.Fatalf("expected duplicate table name error, got nil")
	}
}

func TestValidateRejectsUnknownGatewayFunction(t *testing.T) {
	d := Definition{
		ID: mustID(t),
		Services: []Service{
			{Gateway: &Gateway{
				Name: "gw",
				Endpoints: map[string]map[HTTPMethod]GatewayTarget{
					"/hello": {MethodGet: {Assembly: "a", Function: "missing"}},
				},
			}},
		},
	}
	if _, err := d.Validate(); err == nil {
		t.Fatalf("expected unknown function error, got nil")
	}
}

func TestValidateAcceptsWellFormedStack(t *testing.T) {
	d := Definition{
		ID: mustID(t),
		Services: []Service{
			{Function: &Function{Name: "hello", Runtime: WasmRuntimeWasi10, MemoryLimit: 64 << 20}},
			{Gateway: &Gateway{
				Name: "gw",
				Endpoints: map[string]map[HTTPMethod]GatewayTarget{
					"/get/{type}/{id}": {MethodGet: {Assembly: "a", Function: "hello"}},
				},
			}},
		},
	}
	if _, err := d.Validate(); err != nil {
		t.Fatalf("expected valid stack, got error: %v", err)
	}
}

func TestValidateRejectsMixedLiteralPlaceholderSegment(t *testing.T) {
	d := Definition{
		ID: mustID(t),
		Services: []Service{
			{Function: &Function{Name: "f", Runtime: WasmRuntimeWasi10, MemoryLimit: 64 << 20}},
			{Gateway: &Gateway{
				Name: "gw",
				Endpoints: map[string]map[HTTPMethod]GatewayTarget{
					"/item-{id}": {MethodGet: {Assembly: "a", Function: "f"}},
				},
			}},
		},
	}
	if _, err := d.Validate(); err == nil {
		t.Fatalf("expected mixed-segment template error, got nil")
	}
}

func TestValidateRejectsMemoryLimitOutOfRange(t *testing.T) {
	d := Definition{
		ID: mustID(t),
		Services: []Service{
			{Function: &Function{Name: "f", Runtime: WasmRuntimeWasi10, MemoryLimit: 1}},
		},
	}
	if _, err := d.Validate(); err == nil {
		t.Fatalf("expected memory limit error, got nil")
	}
}
