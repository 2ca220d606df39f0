package gateway

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/synnergy-mu/cluster/internal/stack"
)

func singleEndpoint(template string, method stack.HTTPMethod) map[string]map[stack.HTTPMethod]stack.GatewayTarget {
	return map[string]map[stack.HTTPMethod]stack.GatewayTarget{
		template: {method: {Assembly: "a", Function: "f"}},
	}
}

func TestMatchEndpointBindsEveryPlaceholder(t *testing.T) {
	endpoints := singleEndpoint("/get/{type}/{id}", stack.MethodGet)

	_, params, ok := matchEndpoint(endpoints, stack.MethodGet, "/get/users/13")
	if !ok {
		t.Fatalf("expected match")
	}
	if params["type"] != "users" || params["id"] != "13" {
		t.Fatalf("params = %+v, want type=users id=13", params)
	}
	if len(params) != 2 {
		t.Fatalf("expected exactly 2 bindings, got %+v", params)
	}
}

func TestMatchEndpointRejectsSegmentCountMismatch(t *testing.T) {
	endpoints := singleEndpoint("/get/{type}/{id}", stack.MethodGet)

	for _, path := range []string{"/get/users", "/get/users/13/extra", "/"} {
		if _, _, ok := matchEndpoint(endpoints, stack.MethodGet, path); ok {
			t.Fatalf("path %q must not match a 3-segment template", path)
		}
	}
}

func TestMatchEndpointRejectsLiteralMismatch(t *testing.T) {
	endpoints := singleEndpoint("/get/{type}/{id}", stack.MethodGet)

	if _, _, ok := matchEndpoint(endpoints, stack.MethodGet, "/put/users/13"); ok {
		t.Fatalf("literal segment mismatch must not match")
	}
}

func TestMatchEndpointMethodMatchedAfterPath(t *testing.T) {
	endpoints := singleEndpoint("/hello", stack.MethodGet)

	if _, _, ok := matchEndpoint(endpoints, stack.MethodGet, "/hello"); !ok {
		t.Fatalf("expected GET /hello to match")
	}
	if _, _, ok := matchEndpoint(endpoints, stack.MethodPost, "/hello"); ok {
		t.Fatalf("POST must not match a GET-only endpoint even when the path does")
	}
}

func TestExtractParamsLiteralOnlyTemplateBindsNothing(t *testing.T) {
	params, ok := extractParams([]string{"a", "b"}, []string{"a", "b"})
	if !ok {
		t.Fatalf("expected match")
	}
	if len(params) != 0 {
		t.Fatalf("expected no bindings, got %+v", params)
	}
}

// Generative check over random template/request pairs: every {name} segment
// binds to its corresponding request segment, a mutated literal breaks the
// match, and binding count equals placeholder count.
func TestExtractParamsGenerative(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 250; i++ {
		n := 1 + r.Intn(5)
		tmpl := make([]string, 0, n)
		req := make([]string, 0, n)
		want := map[string]string{}
		firstLiteral := -1
		for j := 0; j < n; j++ {
			if r.Intn(2) == 0 {
				lit := fmt.Sprintf("lit%d", r.Intn(8))
				tmpl = append(tmpl, lit)
				req = append(req, lit)
				if firstLiteral < 0 {
					firstLiteral = j
				}
			} else {
				name := fmt.Sprintf("p%d", j)
				val := fmt.Sprintf("v%d", r.Intn(1000))
				tmpl = append(tmpl, "{"+name+"}")
				req = append(req, val)
				want[name] = val
			}
		}

		params, ok := extractParams(tmpl, req)
		if !ok {
			t.Fatalf("seed %d: expected %v to match %v", i, tmpl, req)
		}
		if len(params) != len(want) {
			t.Fatalf("seed %d: bindings = %+v, want %+v", i, params, want)
		}
		for k, v := range want {
			if params[k] != v {
				t.Fatalf("seed %d: params[%q] = %q, want %q", i, k, params[k], v)
			}
		}

		if firstLiteral >= 0 {
			mutated := append([]string(nil), req...)
			mutated[firstLiteral] = mutated[firstLiteral] + "x"
			if _, ok := extractParams(tmpl, mutated); ok {
				t.Fatalf("seed %d: mutated literal still matched: %v vs %v", i, tmpl, mutated)
			}
		}
	}
}
